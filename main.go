package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/btree-query-bench/sbtree/config"
	"github.com/btree-query-bench/sbtree/dbms/atomicop"
	"github.com/btree-query-bench/sbtree/dbms/encoding"
	"github.com/btree-query-bench/sbtree/dbms/index/sbtree"
	"github.com/btree-query-bench/sbtree/dbms/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what every command needs after the config has been loaded.
type app struct {
	cfgPath string
	cfg     *config.Config
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "sbtree",
		Short:        "Benchmark and examine SB-tree files",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "YAML configuration file")
	root.AddCommand(newBenchCmd(a), newVerifyCmd(a), newInspectCmd(a))
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	return nil
}

func (a *app) openManager() (*atomicop.Manager, error) {
	s := a.cfg.Storage
	return atomicop.Open(s.DataDir, atomicop.Options{
		CachePages:      s.CachePages,
		CacheShards:     s.CacheShards,
		SyncWAL:         s.SyncWAL,
		CheckpointEvery: s.CheckpointEvery,
		Logger:          a.logger.Named("atomic"),
	})
}

func (a *app) treeOptions(metrics *sbtree.Metrics) sbtree.Options {
	t := a.cfg.Tree
	return sbtree.Options{
		InlineThreshold: t.InlineThreshold,
		HeapPages:       t.HeapPages,
		NullKeys:        t.NullKeys,
		Logger:          a.logger.Named("sbtree"),
		Metrics:         metrics,
	}
}

// openTree opens an existing tree written by the bench command.
func (a *app) openTree(m *atomicop.Manager, name string) (*sbtree.Tree[int64, []byte], error) {
	return sbtree.Open[int64, []byte](m, name, encoding.Int64{}, encoding.Bytes{}, a.treeOptions(nil))
}

// ─── bench ───

func newBenchCmd(a *app) *cobra.Command {
	var keys, readers int
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run the workloads against the SB-tree and the pebble LSM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("keys") {
				a.cfg.Bench.Keys = keys
			}
			if cmd.Flags().Changed("readers") {
				a.cfg.Bench.Readers = readers
			}
			if err := config.Validate(a.cfg); err != nil {
				return err
			}
			return runBenchmark(cmd.Context(), a)
		},
	}
	cmd.Flags().IntVarP(&keys, "keys", "n", 0, "number of keys to load (overrides bench.keys)")
	cmd.Flags().IntVar(&readers, "readers", 0, "concurrent readers during the OLAP workload (overrides bench.readers)")
	return cmd
}

// ─── verify ───

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify TREE",
		Short: "Check every structural invariant of a tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.openManager()
			if err != nil {
				return err
			}
			defer m.Close()
			t, err := a.openTree(m, args[0])
			if err != nil {
				return err
			}
			defer t.Close()

			if err := t.Verify(); err != nil {
				a.logger.Error("tree is corrupt", zap.String("tree", args[0]), zap.Error(err))
				return err
			}
			size, err := t.Size()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok, %d entries\n", args[0], size)
			return nil
		},
	}
}

// ─── inspect ───

func newInspectCmd(a *app) *cobra.Command {
	var dot bool
	cmd := &cobra.Command{
		Use:   "inspect TREE",
		Short: "Print the shape of a tree and optionally draw it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.openManager()
			if err != nil {
				return err
			}
			defer m.Close()
			t, err := a.openTree(m, args[0])
			if err != nil {
				return err
			}
			defer t.Close()

			st, err := t.Stats()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tree:           %s\n", args[0])
			fmt.Fprintf(out, "height:         %d\n", st.Height)
			fmt.Fprintf(out, "entries:        %d\n", st.Entries)
			fmt.Fprintf(out, "leaf pages:     %d\n", st.LeafPages)
			fmt.Fprintf(out, "internal pages: %d\n", st.InternalPages)
			fmt.Fprintf(out, "blocks:         %d\n", st.Blocks)
			fmt.Fprintf(out, "markers:        %d\n", st.Markers)
			fmt.Fprintf(out, "file pages:     %d\n", st.FilePages)
			fmt.Fprintf(out, "pinned pages:   %d\n", st.PinnedPages)
			fmt.Fprintf(out, "fill factor:    %.1f%%\n", st.FillFactor*100)
			if !dot {
				return nil
			}

			dir := a.cfg.Bench.OutputDir
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return errors.Wrapf(err, "create %s", dir)
			}
			png, err := t.ExportPNG(dir, args[0])
			if err != nil {
				// The .dot file is written before Graphviz runs.
				a.logger.Warn("rendering failed, keeping the dot file",
					zap.String("dot", filepath.Join(dir, args[0]+".dot")), zap.Error(err))
				return nil
			}
			fmt.Fprintf(out, "image:          %s\n", png)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dot, "dot", false, "write a Graphviz drawing of the pages into bench.outputDir")
	return cmd
}

func newRegistry() (*prometheus.Registry, *sbtree.Metrics, error) {
	reg := prometheus.NewRegistry()
	metrics, err := sbtree.NewMetrics(reg)
	if err != nil {
		return nil, nil, err
	}
	return reg, metrics, nil
}
