package main_test

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCLIBasicRun exercises the binary end to end via `go run`, the same
// lightweight invocation the teacher's CLI integration test uses, adapted
// from a seeded-crawl invocation to a seeded-screen-design-run invocation.
func TestCLIBasicRun(t *testing.T) {
	outDir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", "run", ".", "run",
		"-seed", "11", "-budget", "48", "-max-cycles", "3", "-out", outDir, "-snapshot-interval", "0")
	cmd.Dir = "."
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		t.Fatalf("cli run timed out; output=%s", string(out))
	}
	require.NoError(t, err, "cli run failed; output=%s", string(out))
	assert.Contains(t, string(out), "run complete")

	b, rerr := os.ReadFile(filepath.Join(outDir, "episode_summary.json"))
	require.NoError(t, rerr)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(b, &summary))
	assert.NotEmpty(t, summary["termination_reason"])
}

// TestCLISelfTest exercises the --self-test RNG-isolation mode (§6).
func TestCLISelfTest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "go", "run", ".", "run", "-self-test")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "self-test failed; output=%s", string(out))
	assert.Contains(t, string(out), "self-test passed")
}

// TestNoInternalImports guards the CLI's dependency surface the way the
// teacher's enforcement_internal_boundary_test.go does: the command layer
// must depend only on exported engine packages, never engine/internal.
func TestNoInternalImports(t *testing.T) {
	err := filepath.WalkDir(".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		b, rerr := os.ReadFile(path)
		if rerr != nil {
			return rerr
		}
		if strings.Contains(string(b), "github.com/cellassay/platecortex/engine/internal/") {
			t.Fatalf("file %s imports engine/internal – the CLI must depend only on public engine API", path)
		}
		return nil
	})
	require.NoError(t, err)
}
