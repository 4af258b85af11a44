package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/statehistory/htbench/dbms/index"
	"github.com/statehistory/htbench/dbms/index/htree"
	"github.com/statehistory/htbench/dbms/index/lsm"
	"github.com/statehistory/htbench/dbms/index/memory"
	"github.com/statehistory/htbench/dbms/interval"
)

// BenchResult includes Objects for GC pressure analysis
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

func GetDetailedMem() MemoryStats {
	var m runtime.MemStats
	// Force GC to measure live data, not garbage
	runtime.GC()
	runtime.ReadMemStats(&m)
	return MemoryStats{
		AllocMB:      m.Alloc / 1024 / 1024,
		TotalAllocMB: m.TotalAlloc / 1024 / 1024,
		HeapObjects:  m.HeapObjects,
	}
}

var benchHeader = []string{"Structure", "Config", "TestType", "LatencyNs", "MemMB", "HeapObjects"}

// Record writes 6 columns to the CSV
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

// ─── bench command ───────────────────────────────────────────────────────────

type benchParams struct {
	Attributes int
	Events     int
	Queries    int
	Workers    int
	Seed       int64
}

var (
	bench       benchParams
	benchDir    string
	benchOut    string
	benchPlot   string
	benchBlocks []string
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Compare the history tree against the in-memory and Pebble backends",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := benchDir
		if dir == "" {
			tmp, err := os.MkdirTemp("", "htbench")
			if err != nil {
				return err
			}
			defer os.RemoveAll(tmp)
			dir = tmp
		}
		if err := os.MkdirAll(filepath.Dir(benchOut), 0o755); err != nil {
			return err
		}
		f, err := os.Create(benchOut)
		if err != nil {
			return err
		}
		defer f.Close()

		w := csv.NewWriter(f)
		results, err := runBenchmarks(cmd.Context(), w, afero.NewOsFs(), dir, bench)
		if err != nil {
			return err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return err
		}
		if benchPlot != "" {
			if err := plotResults(benchPlot, results); err != nil {
				return err
			}
			fmt.Printf("Plot written to %s\n", benchPlot)
		}
		fmt.Printf("Benchmark complete. Results in %s\n", benchOut)
		return nil
	},
}

func init() {
	f := benchCmd.Flags()
	f.IntVar(&bench.Attributes, "attributes", 200, "attributes of the simulated state system")
	f.IntVar(&bench.Events, "events", 200000, "state changes to simulate")
	f.IntVar(&bench.Queries, "queries", 10000, "queries per workload")
	f.IntVar(&bench.Workers, "workers", runtime.GOMAXPROCS(0), "concurrent query goroutines")
	f.Int64Var(&bench.Seed, "seed", 1, "random seed")
	f.StringVar(&benchDir, "dir", "", "directory for the on-disk backends (default a temp dir)")
	f.StringVar(&benchOut, "out", "results/bench.csv", "CSV output")
	f.StringVar(&benchPlot, "plot", "", "write a latency bar chart (png, svg, pdf)")
	f.StringSliceVar(&benchBlocks, "block-sizes", []string{"4KB", "64KB"}, "history tree block sizes to sweep")
}

// backendFactory opens an empty backend.
type backendFactory struct {
	name string
	conf string
	open func() (index.Backend, error)
}

func backends(fs afero.Fs, dir string) ([]backendFactory, error) {
	var out []backendFactory
	for _, bs := range benchBlocks {
		cfg := settings
		if err := cfg.BlockSize.UnmarshalText([]byte(bs)); err != nil {
			return nil, errors.Wrapf(err, "block size %q", bs)
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		path := filepath.Join(dir, "bench-"+bs+".ht")
		tc := cfg.Tree()
		out = append(out, backendFactory{
			name: "HistoryTree",
			conf: bs,
			open: func() (index.Backend, error) {
				return htree.Create(fs, path, tc, htree.WithLogger(log), htree.WithMetrics(m))
			},
		})
	}
	start := settings.TreeStart
	out = append(out,
		backendFactory{
			name: "Memory",
			conf: "btree",
			open: func() (index.Backend, error) { return memory.New(start), nil },
		},
		backendFactory{
			name: "LSM-Tree",
			conf: "pebble",
			open: func() (index.Backend, error) {
				return lsm.Open(filepath.Join(dir, "pebble"), lsm.WithStart(start), lsm.WithLogger(log))
			},
		},
	)
	return out, nil
}

func runBenchmarks(ctx context.Context, w *csv.Writer, fs afero.Fs, dir string, p benchParams) ([]BenchResult, error) {
	if err := w.Write(benchHeader); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(p.Seed))
	ivs, end := GenerateStateIntervals(rng, settings.TreeStart, p.Attributes, p.Events)

	factories, err := backends(fs, dir)
	if err != nil {
		return nil, err
	}
	var results []BenchResult
	for _, bf := range factories {
		fmt.Printf("Testing %s (Config: %s)\n", bf.name, bf.conf)
		idx, err := bf.open()
		if err != nil {
			return nil, err
		}
		res, err := runSuite(ctx, bf.name, bf.conf, idx, ivs, end, p)
		if cerr := idx.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, errors.Wrapf(err, "%s %s", bf.name, bf.conf)
		}
		for _, r := range res {
			if err := Record(w, r); err != nil {
				return nil, err
			}
		}
		results = append(results, res...)
	}
	return results, nil
}

func runSuite(ctx context.Context, name, conf string, idx index.Backend, ivs []interval.Interval, end int64, p benchParams) ([]BenchResult, error) {
	var out []BenchResult

	// 1. Pure insert (initial load)
	start := time.Now()
	for _, iv := range ivs {
		if err := idx.Insert(iv); err != nil {
			return nil, err
		}
	}
	if err := idx.Finish(end); err != nil {
		return nil, err
	}
	insertLatency := time.Since(start).Nanoseconds() / int64(max(len(ivs), 1))

	// Memory right after load, before the query workloads
	stats := GetDetailedMem()
	out = append(out, BenchResult{name, conf, "Footprint_SteadyState", insertLatency, stats.AllocMB, stats.HeapObjects})

	for _, wt := range []WorkloadType{Point, Reporting, Snapshot} {
		ops := p.Queries
		if wt == Snapshot {
			ops = max(p.Queries/10, 1)
		}
		start = time.Now()
		if err := ExecuteWorkload(ctx, idx, wt, ops, p.Workers, settings.TreeStart, end, p.Attributes); err != nil {
			return nil, err
		}
		lat := time.Since(start).Nanoseconds() / int64(ops)
		out = append(out, BenchResult{name, conf, "Workload_" + string(wt), lat, GetDetailedMem().AllocMB, 0})
		log.Debug("workload done", zap.String("backend", name), zap.String("workload", string(wt)), zap.Int64("ns_per_op", lat))
	}
	return out, nil
}

// plotResults draws one bar per backend and workload.
func plotResults(path string, results []BenchResult) error {
	p := plot.New()
	p.Title.Text = "Query latency"
	p.Y.Label.Text = "ns/op"

	var (
		values plotter.Values
		names  []string
	)
	for _, r := range results {
		values = append(values, float64(r.LatencyNs))
		names = append(names, fmt.Sprintf("%s %s\n%s", r.Name, r.Config, r.Operation))
	}
	bars, err := plotter.NewBarChart(values, vg.Points(20))
	if err != nil {
		return errors.Wrap(err, "plot")
	}
	p.Add(bars)
	p.NominalX(names...)

	width := vg.Length(len(results)) * vg.Inch
	return errors.Wrap(p.Save(max(width, 6*vg.Inch), 6*vg.Inch, path), "plot: save")
}
