package media

import (
	"fmt"
	"strings"
)

// Dot renders the graph in graphviz format.
func (g *Graph) Dot() string {
	var b strings.Builder

	fmt.Fprintf(&b, "digraph %q {\n", g.name)
	b.WriteString("\trankdir=LR;\n")
	b.WriteString("\tnode [shape=record, fontname=\"monospace\"];\n")
	for _, n := range g.Nodes() {
		var ins, outs []string
		for _, p := range n.Inputs() {
			ins = append(ins, fmt.Sprintf("<%s> %s", p.Name(), p.Name()))
		}
		for _, p := range n.Outputs() {
			outs = append(outs, fmt.Sprintf("<%s> %s", p.Name(), p.Name()))
		}
		fmt.Fprintf(&b, "\t%q [label=\"{{%s}|%s\\n%s\\n%s|{%s}}\"];\n",
			n.Name(), strings.Join(ins, "|"), n.Name(), n.Kind(), n.State(), strings.Join(outs, "|"))
	}
	for _, l := range g.Links() {
		fmt.Fprintf(&b, "\t%q:%q -> %q:%q [label=%q];\n",
			l.src.node.Name(), l.src.name, l.sink.node.Name(), l.sink.name, l.src.caps.String())
	}
	b.WriteString("}\n")
	return b.String()
}
