package htree

import (
	"fmt"
	"io"
	"strings"

	"github.com/statehistory/htbench/dbms/index/htnode"
)

// walk visits every node in pre-order, children in creation order.
func (t *Tree) walk(fn func(n *htnode.Node, depth int) error) error {
	type entry struct {
		seq   int32
		depth int
	}
	stack := []entry{{seq: t.RootSequence()}}
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, err := t.ReadNode(e.seq)
		if err != nil {
			return err
		}
		if err := fn(n, e.depth); err != nil {
			return err
		}
		children := n.Children()
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, entry{seq: children[i].Seq, depth: e.depth + 1})
		}
	}
	return nil
}

// DebugPrint writes an indented dump of the tree.
func (t *Tree) DebugPrint(w io.Writer, withIntervals bool) error {
	if _, err := io.WriteString(w, t.String()); err != nil {
		return err
	}
	return t.walk(func(n *htnode.Node, depth int) error {
		indent := strings.Repeat("  ", depth)
		if _, err := fmt.Fprintf(w, "%s%s usage=%.1f%%\n", indent, n, n.Usage()); err != nil {
			return err
		}
		if !withIntervals {
			return nil
		}
		for _, iv := range n.Intervals() {
			if _, err := fmt.Fprintf(w, "%s  %s\n", indent, iv); err != nil {
				return err
			}
		}
		return nil
	})
}

func formatEnd(end int64) string {
	if end == htnode.OpenEnd {
		return "open"
	}
	return fmt.Sprint(end)
}

// ExportDOT writes the node structure as a Graphviz digraph.
func (t *Tree) ExportDOT(w io.Writer) error {
	var sb strings.Builder
	sb.WriteString("digraph HistoryTree {\n")
	sb.WriteString("  graph [ranksep=0.8, nodesep=0.5, bgcolor=\"#ffffff\", rankdir=TB];\n")
	sb.WriteString("  node [shape=none, fontname=\"Helvetica\", fontsize=10];\n")
	sb.WriteString("  edge [arrowsize=0.8, color=\"#444444\"];\n")

	err := t.walk(func(n *htnode.Node, _ int) error {
		lo, hi := n.AttrBounds()
		attrs := "none"
		if lo <= hi {
			attrs = fmt.Sprintf("%d..%d", lo, hi)
		}
		color := "#D5E8D4" // leaf: green
		if n.IsCore() {
			color = "#DAE8FC" // core: blue
		}
		children := n.Children()
		fmt.Fprintf(&sb, `  node%d [label=<<TABLE BORDER="0" CELLBORDER="1" CELLSPACING="0" CELLPADDING="4">
    <TR><TD COLSPAN="%d" BGCOLOR="%s"><B>NODE %d (%s)</B><BR/><FONT POINT-SIZE="8">Fill: %.1f%%</FONT></TD></TR>
    <TR><TD COLSPAN="%d" BGCOLOR="#F5F5F5" ALIGN="LEFT">[%d, %s]<BR/>attrs %s<BR/>intervals %d</TD></TR>`,
			n.Seq(), max(1, len(children)), color, n.Seq(), n.Kind(), n.Usage(),
			max(1, len(children)), n.Start(), formatEnd(n.End()), attrs, n.IntervalCount())
		if len(children) > 0 {
			sb.WriteString("\n    <TR>")
			for i, c := range children {
				fmt.Fprintf(&sb, `<TD PORT="c%d" BGCOLOR="#E1F5FE">%d</TD>`, i, c.Seq)
			}
			sb.WriteString("</TR>")
		}
		sb.WriteString("</TABLE>>];\n")
		for i, c := range children {
			fmt.Fprintf(&sb, "  node%d:c%d -> node%d;\n", n.Seq(), i, c.Seq)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sb.WriteString("}\n")
	_, err = io.WriteString(w, sb.String())
	return err
}
