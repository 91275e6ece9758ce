package main

import "fmt"

// Report renders the findings of a finished check. failed says whether the
// configuration treats any of them as fatal.
func Report(c *ErrorCodeChecker, config *Config) (lines []string, failed bool, err error) {
	codes := c.Codes()
	lines = append(lines, fmt.Sprintf("📋 %d error codes declared", len(codes)))

	violations := c.CheckCodes()
	for _, v := range violations {
		lines = append(lines, "  ❌ "+v.String())
	}
	if len(violations) > 0 {
		failed = true
	}

	unused := c.Unused()
	for _, info := range unused {
		lines = append(lines, fmt.Sprintf("  ⚠️  %s: %s (%s) is never used", info.location(), info.Var, info.Code))
	}
	if len(unused) > 0 && config.ExitOnUnused {
		failed = true
	}

	if config.CheckForbidden {
		forbidden, err := c.CheckForbidden(config.ForbiddenPatterns, config.ForbiddenAllowed)
		if err != nil {
			return lines, true, err
		}
		for _, v := range forbidden {
			lines = append(lines, "  ❌ "+v.String())
		}
		if len(forbidden) > 0 && config.ExitOnForbidden {
			failed = true
		}
	}

	lines = append(lines, "")
	if failed {
		lines = append(lines, "❌ Found error code violations")
	} else {
		lines = append(lines, "✅ No error code violations")
	}
	return lines, failed, nil
}
