package nest

import (
	"fmt"
	"io"
	"strings"
)

// Dump writes an indented rendering of the plan's loop tree, for debugging
// and CLI inspection. Conditions are opaque closures and print as "if".
func (p *Plan) Dump(w io.Writer) {
	dumpNodes(w, p.Body, 0)
}

func dumpNodes(w io.Writer, nodes []Node, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, n := range nodes {
		switch n := n.(type) {
		case *Loop:
			kind := "for"
			if n.Parallel {
				kind = "parallel for"
			}
			bounds := make([]string, len(n.Vars))
			for i, v := range n.Vars {
				bounds[i] = fmt.Sprintf("v%d<%d", v, n.Extents[i])
			}
			fmt.Fprintf(w, "%s%s %s [%s] {\n", indent, kind, n.Label, strings.Join(bounds, " "))
			dumpNodes(w, n.Body, depth+1)
			fmt.Fprintf(w, "%s}\n", indent)
		case *If:
			fmt.Fprintf(w, "%sif {\n", indent)
			dumpNodes(w, n.Then, depth+1)
			fmt.Fprintf(w, "%s}\n", indent)
		case *Compute:
			fmt.Fprintf(w, "%scompute %s\n", indent, n.Label)
		case *Anchor:
			fmt.Fprintf(w, "%sanchor level=%d\n", indent, n.Level)
		}
	}
}
