// Command errorcode-checker verifies how error codes are declared and used:
// every code is well formed and unique, each prefix belongs to one package,
// declared codes are referenced, and plain Go errors stay out of the server
// packages.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

func main() {
	var (
		dir        = flag.String("dir", ".", "Directory to check")
		configPath = flag.String("config", "", "Path to configuration file")
		verbose    = flag.Bool("verbose", false, "Print every parsed file")
	)
	flag.Parse()

	config, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}
	if *verbose {
		config.Verbose = true
	}

	os.Exit(run(os.Stdout, *dir, config))
}

func run(out io.Writer, dir string, config *Config) int {
	checker := NewErrorCodeChecker(config.Verbose)

	fmt.Fprintf(out, "🔍 Checking error codes in %s\n", dir)
	fmt.Fprintf(out, "🚫 Excluding: %s\n\n", strings.Join(config.ExcludePaths, ", "))

	if err := checker.CheckDirectory(dir, config.ExcludePaths); err != nil {
		fmt.Fprintf(out, "❌ %v\n", err)
		return 2
	}

	lines, failed, err := Report(checker, config)
	for _, line := range lines {
		fmt.Fprintln(out, line)
	}
	if err != nil {
		fmt.Fprintf(out, "❌ %v\n", err)
		return 2
	}
	if failed {
		return 1
	}
	return 0
}
