package main

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/btree-query-bench/sbtree/dbms/atomicop"
	"github.com/btree-query-bench/sbtree/dbms/index"
	"github.com/btree-query-bench/sbtree/dbms/index/lsm"
	"github.com/btree-query-bench/sbtree/dbms/index/sbtree"
)

// benchTree is the tree the bench command (re)creates; verify and inspect
// can open it afterwards.
const benchTree = "bench"

// BenchResult is one row of the results file.
type BenchResult struct {
	Name      string
	Config    string
	Operation string
	LatencyNs int64
	MemMB     uint64
	Objects   uint64
}

type MemoryStats struct {
	AllocMB      uint64
	TotalAllocMB uint64
	HeapObjects  uint64
}

// GetDetailedMem measures live heap after a forced GC.
func GetDetailedMem() MemoryStats {
	var m runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&m)
	return MemoryStats{
		AllocMB:      m.Alloc / 1024 / 1024,
		TotalAllocMB: m.TotalAlloc / 1024 / 1024,
		HeapObjects:  m.HeapObjects,
	}
}

var csvHeader = []string{"Structure", "Config", "TestType", "LatencyNs", "MemMB", "HeapObjects"}

// Record writes res as one CSV row.
func Record(w *csv.Writer, res BenchResult) error {
	return w.Write([]string{
		res.Name,
		res.Config,
		res.Operation,
		strconv.FormatInt(res.LatencyNs, 10),
		strconv.FormatUint(res.MemMB, 10),
		strconv.FormatUint(res.Objects, 10),
	})
}

// suite is one structure under test.
type suite struct {
	name, config string
	idx          index.Index
}

func runBenchmark(ctx context.Context, a *app) error {
	bc := a.cfg.Bench
	if bc.MaxRuntime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, bc.MaxRuntime)
		defer cancel()
	}
	if err := os.MkdirAll(bc.OutputDir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", bc.OutputDir)
	}

	m, err := a.openManager()
	if err != nil {
		return err
	}
	defer m.Close()
	reg, metrics, err := newRegistry()
	if err != nil {
		return err
	}
	// A fresh tree picks up the current tree settings.
	if old, err := a.openTree(m, benchTree); err == nil {
		if err := old.Delete(); err != nil {
			return err
		}
	} else if !errors.Is(err, atomicop.ErrFileNotFound) {
		return err
	}
	sb, err := sbtree.OpenIndex(m, benchTree, a.treeOptions(metrics))
	if err != nil {
		return err
	}
	defer sb.Close()

	lsmDir := filepath.Join(a.cfg.Storage.DataDir, "lsm")
	if err := os.RemoveAll(lsmDir); err != nil {
		return errors.Wrapf(err, "clear %s", lsmDir)
	}
	ref, err := lsm.Open(lsmDir, lsm.Options{Logger: a.logger})
	if err != nil {
		return err
	}
	defer ref.Close()

	suites := []suite{
		{"SB-Tree", "inline=" + strconv.Itoa(a.cfg.Tree.InlineThreshold), sb},
		{"LSM-Tree", "pebble", ref},
	}

	f, err := os.Create(filepath.Join(bc.OutputDir, "results.csv"))
	if err != nil {
		return errors.Wrap(err, "create results file")
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return errors.Wrap(err, "write results")
	}

	var results []BenchResult
	for _, s := range suites {
		rs, err := runSuite(ctx, a.logger, s, bc.Keys, bc.ValueSize, bc.Readers, bc.Workloads)
		results = append(results, rs...)
		for _, r := range rs {
			if werr := Record(w, r); werr != nil {
				return errors.Wrap(werr, "write results")
			}
		}
		if err != nil {
			return errors.Wrapf(err, "%s", s.name)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Wrap(err, "write results")
	}

	if err := sb.Tree().Verify(); err != nil {
		return errors.Wrap(err, "tree corrupt after benchmark")
	}
	logCounters(a.logger, reg)

	if bc.Plot {
		path := filepath.Join(bc.OutputDir, "latency.png")
		if err := plotLatencies(results, path); err != nil {
			return err
		}
		a.logger.Info("plot written", zap.String("path", path))
	}
	a.logger.Info("benchmark complete", zap.String("results", f.Name()))
	return nil
}

func runSuite(ctx context.Context, logger *zap.Logger, s suite, keys, valueSize, readers int, workloads []string) ([]BenchResult, error) {
	logger.Info("testing", zap.String("structure", s.name), zap.String("config", s.config))
	wl := newWorkload(s.idx, keys, valueSize, 1)

	var results []BenchResult
	add := func(op string, elapsed time.Duration, ops int) {
		if ops == 0 {
			return
		}
		mem := GetDetailedMem()
		r := BenchResult{
			Name:      s.name,
			Config:    s.config,
			Operation: op,
			LatencyNs: elapsed.Nanoseconds() / int64(ops),
			MemMB:     mem.AllocMB,
			Objects:   mem.HeapObjects,
		}
		logger.Info("result", zap.String("structure", r.Name), zap.String("op", r.Operation),
			zap.Int64("latencyNs", r.LatencyNs), zap.Uint64("memMB", r.MemMB))
		results = append(results, r)
	}

	for _, name := range workloads {
		wType := WorkloadType(name)
		ops := keys / 2
		if wType == Load {
			ops = keys
		} else if wType == Reporting {
			ops = 100
		}

		start := time.Now()
		if wType == OLAP && readers > 0 {
			reads, err := wl.ExecuteWithReaders(ctx, wType, ops, readers)
			elapsed := time.Since(start)
			if err != nil {
				return results, err
			}
			add("Workload_"+name, elapsed, ops)
			add("Workload_"+name+"_readers", elapsed*time.Duration(readers), int(reads))
			continue
		}
		if err := wl.Execute(ctx, wType, ops); err != nil {
			return results, err
		}
		add("Workload_"+name, time.Since(start), ops)
	}
	return results, nil
}

// logCounters logs every counter family of reg summed over its labels.
func logCounters(logger *zap.Logger, reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		logger.Warn("gather metrics", zap.Error(err))
		return
	}
	for _, mf := range families {
		var sum float64
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
		logger.Info("counter", zap.String("name", mf.GetName()), zap.Float64("value", sum))
	}
}

// plotLatencies draws one bar group per operation, one bar per structure.
func plotLatencies(results []BenchResult, path string) error {
	var ops, structures []string
	latency := make(map[[2]string]float64)
	seenOp, seenStructure := make(map[string]bool), make(map[string]bool)
	for _, r := range results {
		if !seenOp[r.Operation] {
			seenOp[r.Operation] = true
			ops = append(ops, r.Operation)
		}
		if !seenStructure[r.Name] {
			seenStructure[r.Name] = true
			structures = append(structures, r.Name)
		}
		latency[[2]string{r.Name, r.Operation}] = float64(r.LatencyNs)
	}

	p := plot.New()
	p.Title.Text = "Latency per operation"
	p.Y.Label.Text = "ns/op"
	width := vg.Points(18)
	for i, s := range structures {
		values := make(plotter.Values, len(ops))
		for j, op := range ops {
			values[j] = latency[[2]string{s, op}]
		}
		bars, err := plotter.NewBarChart(values, width)
		if err != nil {
			return errors.Wrap(err, "plot")
		}
		bars.LineStyle.Width = vg.Length(0)
		bars.Color = plotutil.Color(i)
		bars.Offset = width * vg.Length(2*i-len(structures)+1) / 2
		p.Add(bars)
		p.Legend.Add(s, bars)
	}
	p.Legend.Top = true
	p.NominalX(ops...)
	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "save %s", path)
	}
	return nil
}
