package sbtree

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts structural events of the trees sharing it.
type Metrics struct {
	Puts           *prometheus.CounterVec
	Removes        *prometheus.CounterVec
	LeafSplits     *prometheus.CounterVec
	InternalSplits *prometheus.CounterVec
	RootSplits     *prometheus.CounterVec
	BlockSplits    *prometheus.CounterVec
	MarkerInserts  *prometheus.CounterVec
	Rollbacks      *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them on reg when it is not
// nil. Counters already registered by another Metrics are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sbtree",
			Name:      name,
			Help:      help,
		}, []string{"tree"})
	}
	m := &Metrics{
		Puts:           counter("puts_total", "Entries inserted or updated."),
		Removes:        counter("removes_total", "Entries removed."),
		LeafSplits:     counter("leaf_splits_total", "Leaf node splits."),
		InternalSplits: counter("internal_splits_total", "Internal node splits."),
		RootSplits:     counter("root_splits_total", "Root splits that grew the tree."),
		BlockSplits:    counter("block_splits_total", "Blocks split into two."),
		MarkerInserts:  counter("marker_inserts_total", "Markers added to internal nodes."),
		Rollbacks:      counter("rollbacks_total", "Mutations rolled back."),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []**prometheus.CounterVec{
		&m.Puts, &m.Removes, &m.LeafSplits, &m.InternalSplits,
		&m.RootSplits, &m.BlockSplits, &m.MarkerInserts, &m.Rollbacks,
	} {
		if err := reg.Register(*c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, errors.Wrap(err, "sbtree: register metrics")
			}
			*c = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	return m, nil
}

// treeMetrics is a Metrics curried to one tree name.
type treeMetrics struct {
	puts, removes                          prometheus.Counter
	leafSplits, internalSplits, rootSplits prometheus.Counter
	blockSplits, markerInserts, rollbacks  prometheus.Counter
}

func (m *Metrics) forTree(name string) treeMetrics {
	l := prometheus.Labels{"tree": name}
	return treeMetrics{
		puts:           m.Puts.With(l),
		removes:        m.Removes.With(l),
		leafSplits:     m.LeafSplits.With(l),
		internalSplits: m.InternalSplits.With(l),
		rootSplits:     m.RootSplits.With(l),
		blockSplits:    m.BlockSplits.With(l),
		markerInserts:  m.MarkerInserts.With(l),
		rollbacks:      m.Rollbacks.With(l),
	}
}
