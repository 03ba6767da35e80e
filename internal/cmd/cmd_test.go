package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("data_dir: %s\ndb_path: %s\n", dir, filepath.Join(dir, "test.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestCreateListShow(t *testing.T) {
	cfg := writeTestConfig(t)

	id := strings.TrimSpace(runCLI(t, "create", "-c", cfg, "-q", "--type", "code", "fix the parser"))
	require.NotEmpty(t, id)

	listed := runCLI(t, "list", "-c", cfg, "-q")
	assert.Contains(t, listed, id)
	assert.Contains(t, listed, "PENDING")
	assert.Contains(t, listed, "fix the parser")

	shown := runCLI(t, "show", "-c", cfg, "-q", id)
	assert.Contains(t, shown, "fix the parser")
	assert.Contains(t, shown, "cli")
}

func TestReorderCommand(t *testing.T) {
	cfg := writeTestConfig(t)

	a := strings.TrimSpace(runCLI(t, "create", "-c", cfg, "-q", "first"))
	b := strings.TrimSpace(runCLI(t, "create", "-c", cfg, "-q", "second"))
	_ = a

	out := runCLI(t, "reorder", "-c", cfg, "-q", b, "--top")
	assert.Contains(t, out, "rank=")
}

func TestUnblockRejectsPendingTask(t *testing.T) {
	cfg := writeTestConfig(t)
	id := strings.TrimSpace(runCLI(t, "create", "-c", cfg, "-q", "task"))

	rootCmd.SetArgs([]string{"unblock", "-c", cfg, "-q", id})
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	require.Error(t, rootCmd.Execute())
}

func TestTemplateCommands(t *testing.T) {
	cfg := writeTestConfig(t)
	dir := t.TempDir()
	tplPath := filepath.Join(dir, "release.yaml")
	require.NoError(t, os.WriteFile(tplPath, []byte(`
tasks:
  - type: code
    summary: cut the branch
  - type: docs
    summary: update changelog
`), 0o644))

	out := runCLI(t, "template", "put", "-c", cfg, "-q", "release", "-f", tplPath)
	assert.Contains(t, out, "2 task(s)")

	out = runCLI(t, "template", "run", "-c", cfg, "-q", "release")
	ids := strings.Fields(out)
	assert.Len(t, ids, 2)

	out = runCLI(t, "list", "-c", cfg, "-q")
	assert.Contains(t, out, "cut the branch")
	assert.Contains(t, out, "update changelog")
}

func TestVersionCommand(t *testing.T) {
	out := runCLI(t, "version")
	assert.NotEmpty(t, strings.TrimSpace(out))
}
