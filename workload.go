package main

import (
	"context"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/statehistory/htbench/dbms/condition"
	"github.com/statehistory/htbench/dbms/index"
	"github.com/statehistory/htbench/dbms/interval"
)

type WorkloadType string

const (
	Point     WorkloadType = "Point (QueryAt)"
	Reporting WorkloadType = "Reporting (Query2D)"
	Snapshot  WorkloadType = "Snapshot (FullState)"
)

// GenerateStateIntervals simulates a state system with attrs attributes.
// Each event changes one attribute and emits the interval of its previous
// value, so intervals arrive sorted by end time. The final state of every
// attribute is emitted at the end. Returns the intervals and the last time.
func GenerateStateIntervals(rng *rand.Rand, start int64, attrs, events int) ([]interval.Interval, int64) {
	last := make([]int64, attrs)
	for a := range last {
		last[a] = start
	}
	out := make([]interval.Interval, 0, events+attrs)
	now := start
	for i := 0; i < events; i++ {
		now += 1 + rng.Int63n(10)
		a := rng.Intn(attrs)
		out = append(out, interval.New(last[a], now-1, int32(a), interval.Long(rng.Int63n(1000))))
		last[a] = now
	}
	for a := range last {
		out = append(out, interval.New(last[a], now, int32(a), interval.Null()))
	}
	return out, now
}

// ExecuteWorkload runs ops queries of one type over [start, end] and attrs
// attributes, split across workers goroutines.
func ExecuteWorkload(ctx context.Context, idx index.Backend, wType WorkloadType, ops, workers int, start, end int64, attrs int) error {
	g, ctx := errgroup.WithContext(ctx)
	workers = max(workers, 1)
	for w := 0; w < workers; w++ {
		per := ops / workers
		if w < ops%workers {
			per++
		}
		rng := rand.New(rand.NewSource(int64(w)))
		g.Go(func() error {
			for i := 0; i < per; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				t := start + rng.Int63n(end-start+1)
				a := int32(rng.Intn(attrs))

				switch wType {
				case Point:
					if _, _, err := idx.QueryAt(t, a); err != nil {
						return err
					}
				case Reporting:
					span := condition.Continuous(t, min(t+(end-start)/100, end))
					it, err := idx.Query2D(span, condition.Continuous(a, a+int32(attrs/10)), false)
					if err != nil {
						return err
					}
					if _, err := index.Collect(it); err != nil {
						return err
					}
				case Snapshot:
					if _, err := idx.QueryFullState(t); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}
