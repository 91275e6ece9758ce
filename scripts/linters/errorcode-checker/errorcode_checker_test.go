package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return root
}

var sampleTree = map[string]string{
	"pkg/errors/codes.go": `package errors

var (
	CommonInternal = MustNewCode("common.internal")
	CommonUnused   = MustNewCode("common.unused")
)
`,
	"server/store/errors.go": `package store

import "example.com/app/pkg/errors"

var (
	ErrOpenFailed  = errors.MustNewCode("store.open_failed")
	ErrQueryFailed = errors.MustNewCode("store.query_failed")
)
`,
	"server/store/store.go": `package store

import "example.com/app/pkg/errors"

func open() error {
	return errors.New(ErrOpenFailed, "open", nil)
}
`,
	"server/store/store_test.go": `package store

func useQuery() { _ = ErrQueryFailed }
`,
	"server/loader/loader.go": `package loader

import (
	"fmt"

	perrors "example.com/app/pkg/errors"
	"example.com/app/server/store"
)

func check(err error) bool {
	_ = perrors.CommonInternal
	return perrors.HasCode(err, store.ErrQueryFailed)
}

func wrap(err error) error {
	// fmt.Errorf in a comment is fine
	return fmt.Errorf("wrap: %w", err)
}
`,
	"_examples/other/errors.go": `package other

var ErrIgnored = errors.MustNewCode("other.ignored")
`,
}

func TestDeclarationsAndUses(t *testing.T) {
	root := writeTree(t, sampleTree)

	c := NewErrorCodeChecker(false)
	require.NoError(t, c.CheckDirectory(root, DefaultConfig().ExcludePaths))

	var codes []string
	for _, info := range c.Codes() {
		codes = append(codes, info.Code)
	}
	assert.Equal(t, []string{"common.internal", "common.unused", "store.open_failed", "store.query_failed"}, codes)

	byCode := map[string]*CodeInfo{}
	for _, info := range c.Codes() {
		byCode[info.Code] = info
	}
	assert.Equal(t, "server/store", byCode["store.open_failed"].Dir)
	assert.Equal(t, []string{"server/store/store.go:6"}, byCode["store.open_failed"].UsedIn)
	assert.Equal(t, []string{"server/loader/loader.go:12"}, byCode["store.query_failed"].UsedIn)
	assert.Equal(t, []string{"server/loader/loader.go:11"}, byCode["common.internal"].UsedIn)

	unused := c.Unused()
	require.Len(t, unused, 1)
	assert.Equal(t, "CommonUnused", unused[0].Var)

	assert.Empty(t, c.CheckCodes())
}

func TestCodeViolations(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a/errors.go": `package a

var (
	ErrOne   = errors.MustNewCode("shared.one")
	ErrBad   = errors.MustNewCode("Bad-Code")
	ErrNamed = errors.MustNewCode("a.err_named")
)
`,
		"b/errors.go": `package b

var (
	ErrTwo   = errors.MustNewCode("shared.two")
	ErrAgain = errors.MustNewCode("shared.one")
)
`,
	})

	c := NewErrorCodeChecker(false)
	require.NoError(t, c.CheckDirectory(root, nil))

	kinds := map[string]int{}
	for _, v := range c.CheckCodes() {
		kinds[v.Kind]++
	}
	assert.Equal(t, map[string]int{"invalid": 2, "duplicate": 1, "prefix": 1}, kinds)
}

func TestForbiddenPatterns(t *testing.T) {
	root := writeTree(t, sampleTree)
	cfg := DefaultConfig()

	c := NewErrorCodeChecker(false)
	require.NoError(t, c.CheckDirectory(root, cfg.ExcludePaths))

	found, err := c.CheckForbidden(cfg.ForbiddenPatterns, cfg.ForbiddenAllowed)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "server/loader/loader.go:17", found[0].Location)
	assert.Equal(t, "forbidden", found[0].Kind)

	_, err = c.CheckForbidden([]string{"("}, nil)
	assert.True(t, errors.HasCode(err, ErrPatternInvalid))
}

func TestParseFailure(t *testing.T) {
	root := writeTree(t, map[string]string{"broken.go": "package broken\nfunc {"})

	err := NewErrorCodeChecker(false).CheckDirectory(root, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrParseFailed))
}

func TestConfigFile(t *testing.T) {
	root := writeTree(t, map[string]string{".errorcode.yml": "exit_on_unused: true\ncheck_forbidden: false\n"})

	cfg, err := loadConfig(filepath.Join(root, ".errorcode.yml"))
	require.NoError(t, err)
	assert.True(t, cfg.ExitOnUnused)
	assert.False(t, cfg.CheckForbidden)
	assert.Equal(t, DefaultConfig().ExcludePaths, cfg.ExcludePaths)

	_, err = loadConfig(filepath.Join(root, "missing.yml"))
	assert.True(t, errors.HasCode(err, ErrConfigReadFailed))
}

func TestRunExitCodes(t *testing.T) {
	root := writeTree(t, sampleTree)

	var out bytes.Buffer
	assert.Equal(t, 1, run(&out, root, DefaultConfig()))
	assert.Contains(t, out.String(), "CommonUnused (common.unused) is never used")
	assert.Contains(t, out.String(), "Found error code violations")

	cfg := DefaultConfig()
	cfg.CheckForbidden = false
	out.Reset()
	assert.Equal(t, 0, run(&out, root, cfg))
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out.String()), "No error code violations"))
}
