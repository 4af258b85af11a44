package main

import (
	"context"
	"encoding/csv"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statehistory/htbench/dbms/config"
	"github.com/statehistory/htbench/dbms/index/memory"
)

func TestGenerateStateIntervals(t *testing.T) {
	ivs, end := GenerateStateIntervals(rand.New(rand.NewSource(3)), 100, 5, 200)
	require.Len(t, ivs, 205)

	covered := make(map[int32]int64)
	for _, iv := range ivs {
		require.NoError(t, iv.Validate())
		assert.GreaterOrEqual(t, iv.Start, int64(100))
		assert.LessOrEqual(t, iv.End, end)
		// each attribute's intervals are contiguous
		if next, ok := covered[iv.Attribute]; ok {
			assert.Equal(t, next, iv.Start)
		} else {
			assert.Equal(t, int64(100), iv.Start)
		}
		covered[iv.Attribute] = iv.End + 1
	}
	for a, next := range covered {
		assert.Equal(t, end+1, next, "attribute %d", a)
	}
}

func TestExecuteWorkload(t *testing.T) {
	ivs, end := GenerateStateIntervals(rand.New(rand.NewSource(5)), 0, 10, 1000)
	b := memory.New(0)
	for _, iv := range ivs {
		require.NoError(t, b.Insert(iv))
	}
	require.NoError(t, b.Finish(end))
	for _, wt := range []WorkloadType{Point, Reporting, Snapshot} {
		assert.NoError(t, ExecuteWorkload(context.Background(), b, wt, 101, 4, 0, end, 10), wt)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, ExecuteWorkload(ctx, b, Point, 10, 2, 0, end, 10), context.Canceled)
}

func TestRunBenchmarks(t *testing.T) {
	settings = config.Default()
	benchBlocks = []string{"4KB"}
	dir := t.TempDir()

	var sb strings.Builder
	w := csv.NewWriter(&sb)
	results, err := runBenchmarks(context.Background(), w, afero.NewMemMapFs(), dir,
		benchParams{Attributes: 20, Events: 2000, Queries: 50, Workers: 2, Seed: 1})
	require.NoError(t, err)
	w.Flush()
	require.NoError(t, w.Error())

	// footprint and three workloads for each of the three backends
	require.Len(t, results, 12)
	rows, err := csv.NewReader(strings.NewReader(sb.String())).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, benchHeader, rows[0])
	assert.Len(t, rows, 13)

	plotPath := filepath.Join(dir, "bench.png")
	require.NoError(t, plotResults(plotPath, results))
	info, err := os.Stat(plotPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}
