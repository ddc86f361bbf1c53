package main

import (
	"context"
	"math/rand"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/btree-query-bench/sbtree/dbms/index"
)

type WorkloadType string

const (
	Load      WorkloadType = "load"
	OLTP      WorkloadType = "oltp"
	OLAP      WorkloadType = "olap"
	Reporting WorkloadType = "range"
)

// rangeWidth is the number of keys one Reporting scan covers.
const rangeWidth = 100

// workload draws keys from [0, keys) and writes values of one size.
type workload struct {
	idx   index.Index
	keys  int
	value []byte
	rng   *rand.Rand
}

func newWorkload(idx index.Index, keys, valueSize int, seed int64) *workload {
	w := &workload{idx: idx, keys: keys, value: make([]byte, valueSize), rng: rand.New(rand.NewSource(seed))}
	w.rng.Read(w.value)
	return w
}

// Execute runs ops operations of wType. Load ignores ops and inserts every
// key once, in order.
func (w *workload) Execute(ctx context.Context, wType WorkloadType, ops int) error {
	if wType == Load {
		ops = w.keys
	}
	for i := 0; i < ops; i++ {
		if i%1024 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		choice := w.rng.Intn(100)
		key := int64(w.rng.Intn(w.keys))

		var err error
		switch wType {
		case Load:
			err = w.idx.Insert(int64(i), w.value)
		case OLTP:
			if choice < 90 {
				_, err = w.idx.Get(key)
			} else {
				err = w.idx.Insert(key, w.value)
			}
		case OLAP:
			if choice < 10 {
				_, err = w.idx.Get(key)
			} else {
				err = w.idx.Insert(key, w.value)
			}
		case Reporting:
			err = w.scan(key, key+rangeWidth-1)
		default:
			return errors.Newf("unknown workload %q", wType)
		}
		if err != nil {
			return errors.Wrapf(err, "%s op %d", wType, i)
		}
	}
	return nil
}

func (w *workload) scan(start, end int64) error {
	it, err := w.idx.Range(start, end)
	if err != nil {
		return err
	}
	for it.Next() {
	}
	if err := it.Error(); err != nil {
		it.Close()
		return err
	}
	return it.Close()
}

// ExecuteWithReaders runs wType while readers goroutines issue point reads
// until it finishes. It returns the number of reads done.
func (w *workload) ExecuteWithReaders(ctx context.Context, wType WorkloadType, ops, readers int) (int64, error) {
	var reads atomic.Int64
	done := make(chan struct{})
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		return w.Execute(ctx, wType, ops)
	})
	for r := 0; r < readers; r++ {
		rng := rand.New(rand.NewSource(int64(r) + 1))
		g.Go(func() error {
			for {
				select {
				case <-done:
					return nil
				case <-ctx.Done():
					return nil
				default:
				}
				if _, err := w.idx.Get(int64(rng.Intn(w.keys))); err != nil {
					return errors.Wrap(err, "reader")
				}
				reads.Add(1)
			}
		})
	}
	err := g.Wait()
	return reads.Load(), err
}
