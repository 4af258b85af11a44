package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/statehistory/htbench/dbms/attribute"
	"github.com/statehistory/htbench/dbms/condition"
	"github.com/statehistory/htbench/dbms/index/htree"
	"github.com/statehistory/htbench/dbms/interval"
)

// ─── build ───────────────────────────────────────────────────────────────────

var buildEnd int64

var buildCmd = &cobra.Command{
	Use:   "build <intervals.csv>",
	Short: "Build a history file from start,end,path,value records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer in.Close()

		lock, err := acquireWriterLock(settings.Path)
		if err != nil {
			return err
		}
		defer lock.Unlock()

		end := int64(math.MinInt64)
		if cmd.Flags().Changed("end") {
			end = buildEnd
		}
		t, attrs, err := buildTree(afero.NewOsFs(), settings.Path, settings.Tree(), in, end,
			htree.WithLogger(log), htree.WithMetrics(m))
		if err != nil {
			return err
		}
		fmt.Printf("Built %s: %d nodes, depth %d, %d attributes, [%d, %d]\n",
			settings.Path, t.NodeCount(), t.Depth(), attrs.Len(), t.TreeStart(), t.TreeEnd())
		return t.Close()
	},
}

func init() {
	buildCmd.Flags().Int64Var(&buildEnd, "end", 0, "close the tree at this time instead of the latest interval end")
}

// buildTree creates a history file from CSV records, closes it at end (or at
// the latest interval end when end is below it) and stores the attribute
// tree in the trailer. The returned tree is finished but still open.
func buildTree(fs afero.Fs, path string, cfg htree.Config, in io.Reader, end int64, opts ...htree.Option) (*htree.Tree, *attribute.Tree, error) {
	t, err := htree.Create(fs, path, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	attrs := attribute.New()
	fail := func(err error) (*htree.Tree, *attribute.Tree, error) {
		_ = t.Close()
		return nil, nil, err
	}
	n, err := readIntervals(in, attrs, t.Insert)
	if err != nil {
		return fail(err)
	}
	if err := t.CloseTree(max(end, t.TreeEnd())); err != nil {
		return fail(err)
	}
	trailer, err := attrs.MarshalBinary()
	if err != nil {
		return fail(err)
	}
	if err := t.WriteTrailer(trailer); err != nil {
		return fail(err)
	}
	log.Debug("built history tree", zap.String("path", path), zap.Int("intervals", n))
	return t, attrs, nil
}

// readIntervals parses start,end,path[,value] records, skipping blank lines
// and lines starting with '#'.
func readIntervals(in io.Reader, attrs *attribute.Tree, fn func(interval.Interval) error) (int, error) {
	r := csv.NewReader(in)
	r.FieldsPerRecord = -1
	r.Comment = '#'
	r.TrimLeadingSpace = true
	n := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, errors.Wrap(err, "read intervals")
		}
		line, _ := r.FieldPos(0)
		if len(rec) < 3 || len(rec) > 4 {
			return n, errors.Newf("line %d: want start,end,path[,value], got %d fields", line, len(rec))
		}
		start, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return n, errors.Wrapf(err, "line %d: start", line)
		}
		end, err := strconv.ParseInt(rec[1], 10, 64)
		if err != nil {
			return n, errors.Wrapf(err, "line %d: end", line)
		}
		q, err := attrs.Quark(rec[2])
		if err != nil {
			return n, errors.Wrapf(err, "line %d", line)
		}
		var v interval.Value
		if len(rec) == 4 {
			v = parseValue(rec[3])
		}
		if err := fn(interval.New(start, end, q, v)); err != nil {
			return n, errors.Wrapf(err, "line %d", line)
		}
		n++
	}
}

// parseValue picks the narrowest kind that holds s.
func parseValue(s string) interval.Value {
	if s == "" {
		return interval.Null()
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		if i >= math.MinInt32 && i <= math.MaxInt32 {
			return interval.Int(int32(i))
		}
		return interval.Long(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return interval.Double(f)
	}
	return interval.String(s)
}

// ─── open helpers ────────────────────────────────────────────────────────────

var ignoreProvider bool

func init() {
	rootCmd.PersistentFlags().BoolVar(&ignoreProvider, "ignore-provider-version", false, "open files written by any provider version")
}

func openTree(fs afero.Fs) (*htree.Tree, *attribute.Tree, error) {
	pv := settings.ProviderVersion
	if ignoreProvider {
		pv = htree.IgnoreProviderVersion
	}
	t, err := htree.Open(fs, settings.Path, pv, htree.WithLogger(log), htree.WithMetrics(m))
	if err != nil {
		return nil, nil, err
	}
	attrs, err := loadAttributes(t)
	if err != nil {
		_ = t.Close()
		return nil, nil, err
	}
	return t, attrs, nil
}

func loadAttributes(t *htree.Tree) (*attribute.Tree, error) {
	attrs := attribute.New()
	b, err := t.Trailer()
	if err != nil || b == nil {
		return attrs, err
	}
	return attrs, attrs.UnmarshalBinary(b)
}

func formatInterval(iv interval.Interval, attrs *attribute.Tree) string {
	name, err := attrs.Path(iv.Attribute)
	if err != nil {
		name = "#" + strconv.Itoa(int(iv.Attribute))
	}
	return fmt.Sprintf("%-40s [%d, %d] %s", name, iv.Start, iv.End, iv.Value)
}

// ─── query ───────────────────────────────────────────────────────────────────

var queryCmd = &cobra.Command{
	Use:   "query <time> [path]",
	Short: "Print the state of one attribute, or of all attributes, at a time",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return errors.Wrapf(err, "time %q", args[0])
		}
		t, attrs, err := openTree(afero.NewOsFs())
		if err != nil {
			return err
		}
		defer t.Close()
		return runQuery(cmd.OutOrStdout(), t, attrs, ts, args[1:])
	},
}

func runQuery(w io.Writer, t *htree.Tree, attrs *attribute.Tree, ts int64, path []string) error {
	if len(path) == 0 {
		state, err := t.QueryFullState(ts)
		if err != nil {
			return err
		}
		for _, iv := range state {
			fmt.Fprintln(w, formatInterval(iv, attrs))
		}
		return nil
	}
	q, err := attrs.Lookup(path[0])
	if err != nil {
		return err
	}
	iv, ok, err := t.QueryAt(ts, q)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(w, "%s has no value at %d\n", path[0], ts)
		return nil
	}
	fmt.Fprintln(w, formatInterval(iv, attrs))
	return nil
}

// ─── query2d ─────────────────────────────────────────────────────────────────

var (
	q2From, q2To int64
	q2At         []int64
	q2Attrs      []string
	q2Reverse    bool
	q2Limit      int
)

var query2DCmd = &cobra.Command{
	Use:   "query2d",
	Short: "List the intervals intersecting a time range for a set of attributes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		t, attrs, err := openTree(afero.NewOsFs())
		if err != nil {
			return err
		}
		defer t.Close()

		times := condition.Continuous(q2From, q2To)
		if !cmd.Flags().Changed("from") && !cmd.Flags().Changed("to") {
			times = condition.Continuous(t.TreeStart(), t.TreeEnd())
		}
		if len(q2At) > 0 {
			times = condition.Discrete(q2At...)
		}
		as, err := resolveAttributes(attrs, q2Attrs)
		if err != nil {
			return err
		}
		return runQuery2D(cmd.OutOrStdout(), t, attrs, times, as, q2Reverse, q2Limit)
	},
}

func init() {
	f := query2DCmd.Flags()
	f.Int64Var(&q2From, "from", math.MinInt64, "range start")
	f.Int64Var(&q2To, "to", math.MaxInt64, "range end")
	f.Int64SliceVar(&q2At, "at", nil, "discrete times instead of a range")
	f.StringSliceVar(&q2Attrs, "attr", nil, "attribute path patterns (default all)")
	f.BoolVar(&q2Reverse, "reverse", false, "latest intervals first")
	f.IntVar(&q2Limit, "limit", 0, "stop after this many intervals")
}

// resolveAttributes turns path patterns into a sparse attribute condition.
func resolveAttributes(attrs *attribute.Tree, patterns []string) (condition.Range[int32], error) {
	if len(patterns) == 0 {
		return condition.AllAttributes(), nil
	}
	var ids []int32
	for _, p := range patterns {
		got, err := attrs.Glob(p)
		if err != nil {
			return nil, err
		}
		ids = append(ids, got...)
	}
	return condition.Discrete(ids...), nil
}

func runQuery2D(w io.Writer, t *htree.Tree, attrs *attribute.Tree, times condition.Range[int64], as condition.Range[int32], reverse bool, limit int) error {
	it, err := t.Query2D(times, as, reverse)
	if err != nil {
		return err
	}
	defer it.Close()
	n := 0
	for it.Next() {
		fmt.Fprintln(w, formatInterval(it.Interval(), attrs))
		if n++; limit > 0 && n >= limit {
			break
		}
	}
	return it.Error()
}

// ─── info ────────────────────────────────────────────────────────────────────

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the header and shape of a history file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		t, attrs, err := openTree(afero.NewOsFs())
		if err != nil {
			return err
		}
		defer t.Close()
		w := cmd.OutOrStdout()
		fmt.Fprint(w, t.String())
		fmt.Fprintf(w, "  attributes:   %d\n", attrs.Len())
		return nil
	},
}

// ─── dump ────────────────────────────────────────────────────────────────────

var (
	dumpIntervals bool
	dumpDot       string
	dumpPNG       bool
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the node structure, or export it as a Graphviz graph",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		t, _, err := openTree(afero.NewOsFs())
		if err != nil {
			return err
		}
		defer t.Close()
		if dumpDot == "" {
			return t.DebugPrint(cmd.OutOrStdout(), dumpIntervals)
		}
		return exportDOT(t, dumpDot, dumpPNG)
	},
}

func init() {
	f := dumpCmd.Flags()
	f.BoolVar(&dumpIntervals, "intervals", false, "list the intervals of every node")
	f.StringVar(&dumpDot, "dot", "", "write a Graphviz file instead")
	f.BoolVar(&dumpPNG, "png", false, "render the Graphviz file with dot -Tpng")
}

func exportDOT(t *htree.Tree, dotPath string, png bool) error {
	if err := os.MkdirAll(filepath.Dir(dotPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dotPath)
	if err != nil {
		return err
	}
	if err := t.ExportDOT(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if !png {
		fmt.Printf("Tree exported to: %s\n", dotPath)
		return nil
	}

	pngPath := strings.TrimSuffix(dotPath, filepath.Ext(dotPath)) + ".png"
	cmd := exec.Command("dot", "-Tpng", dotPath, "-o", pngPath)
	if err := cmd.Run(); err != nil {
		return errors.Wrap(err, "graphviz (is 'dot' installed?)")
	}
	fmt.Printf("Tree exported to: %s\n", pngPath)
	return nil
}
