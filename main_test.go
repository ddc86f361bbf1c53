package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btree-query-bench/sbtree/dbms/index/lsm"
)

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	require.NoError(t, root.Execute(), out.String())
	return out.String()
}

func TestBenchVerifyInspect(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "sbtree.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
storage:
  dataDir: %s
  cachePages: 256
logging:
  level: error
bench:
  keys: 600
  valueSize: 64
  readers: 2
  outputDir: %s
`, filepath.Join(dir, "data"), filepath.Join(dir, "out"))), 0o644))

	runCLI(t, "bench", "-c", cfgPath)
	csvData, err := os.ReadFile(filepath.Join(dir, "out", "results.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(csvData), "SB-Tree,inline=64,Workload_load,")
	assert.Contains(t, string(csvData), "LSM-Tree,pebble,Workload_olap,")
	assert.FileExists(t, filepath.Join(dir, "out", "latency.png"))

	out := runCLI(t, "verify", benchTree, "-c", cfgPath)
	assert.Contains(t, out, "bench: ok, 600 entries")

	out = runCLI(t, "inspect", benchTree, "-c", cfgPath)
	assert.Contains(t, out, "entries:        600")
	assert.Contains(t, out, "height:         2")
}

func TestVerifyMissingTree(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "sbtree.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("storage:\n  dataDir: "+dir+"\nlogging:\n  level: error\n"), 0o644))

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"verify", "nope", "-c", cfgPath})
	assert.Error(t, root.Execute())
}

func TestWorkloads(t *testing.T) {
	idx, err := lsm.Open("workload", lsm.Options{InMemory: true})
	require.NoError(t, err)
	defer idx.Close()

	w := newWorkload(idx, 300, 8, 7)
	ctx := context.Background()
	require.NoError(t, w.Execute(ctx, Load, 0))
	for k := int64(0); k < 300; k++ {
		v, err := idx.Get(k)
		require.NoError(t, err)
		require.Len(t, v, 8)
	}
	require.NoError(t, w.Execute(ctx, OLTP, 200))
	require.NoError(t, w.Execute(ctx, Reporting, 10))
	reads, err := w.ExecuteWithReaders(ctx, OLAP, 200, 3)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, reads, int64(0))

	assert.Error(t, w.Execute(ctx, WorkloadType("bogus"), 1))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, w.Execute(cancelled, OLTP, 10), context.Canceled)
}

func TestPlotLatencies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latency.png")
	results := []BenchResult{
		{Name: "SB-Tree", Operation: "Workload_load", LatencyNs: 900},
		{Name: "SB-Tree", Operation: "Workload_range", LatencyNs: 4000},
		{Name: "LSM-Tree", Operation: "Workload_load", LatencyNs: 700},
		{Name: "LSM-Tree", Operation: "Workload_range", LatencyNs: 6000},
	}
	require.NoError(t, plotLatencies(results, path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
