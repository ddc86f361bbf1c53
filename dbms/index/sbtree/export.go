package sbtree

import (
	"bufio"
	"fmt"
	"html"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/btree-query-bench/sbtree/dbms/atomicop"
)

// blockColors tints the pages of one block alike.
var blockColors = []string{"#FFF2CC", "#E1D5E7", "#F8CECC", "#D5E8D4", "#DAE8FC", "#FFE6CC"}

// ExportDOT writes the page structure as a Graphviz graph: one table per
// page, markers under internal pages, leaves linked by their siblings.
func (t *Tree[K, V]) ExportDOT(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "digraph SBTree {")
	fmt.Fprintln(bw, "  graph [ranksep=0.8, nodesep=0.5, bgcolor=\"#ffffff\", rankdir=TB];")
	fmt.Fprintln(bw, "  node [shape=none, fontname=\"Helvetica\", fontsize=10];")
	fmt.Fprintln(bw, "  edge [arrowsize=0.8, color=\"#444444\"];")

	blockOf := make(map[PageIndex]PageIndex)
	colorOf := make(map[PageIndex]string)
	var leaves []*pageInfo[K]

	err := t.read("export", func(r *atomicop.Reader) error {
		return t.walk(r, func(pi *pageInfo[K], _, _ *K) error {
			fill := 100 * float64(pi.used) / float64(pi.capacity)
			header := "#DAE8FC"
			if b, ok := blockOf[pi.idx]; ok {
				header = colorOf[b]
			}
			kind, cols := "INTERNAL", 2*len(pi.keys)+1
			if pi.leaf {
				kind, cols = "LEAF", max(len(pi.keys), 1)
			}
			label := fmt.Sprintf(`<<TABLE BORDER="0" CELLBORDER="1" CELLSPACING="0" CELLPADDING="4">
				<TR><TD COLSPAN="%d" BGCOLOR="%s"><B>PAGE %d (%s)</B><BR/><FONT POINT-SIZE="8">Fill: %.1f%%</FONT></TD></TR><TR>`,
				cols, header, pi.idx, kind, fill)

			if pi.leaf {
				leaves = append(leaves, pi)
				if len(pi.keys) == 0 {
					label += `<TD PORT="keys">empty</TD>`
				}
				for _, k := range pi.keys {
					label += fmt.Sprintf(`<TD BGCOLOR="#F5F5F5">%s</TD>`, keyLabel(k))
				}
				label += `</TR></TABLE>>`
				fmt.Fprintf(bw, "  p%d [label=%s];\n", pi.idx, label)
				return nil
			}

			for i, k := range pi.keys {
				label += fmt.Sprintf(`<TD PORT="f%d" BGCOLOR="#E1F5FE">P:%d</TD><TD BGCOLOR="#FFFFFF"><B>%s</B></TD>`, i, pi.children[i], keyLabel(k))
			}
			label += fmt.Sprintf(`<TD PORT="f%d" BGCOLOR="#E1F5FE">P:%d</TD></TR><TR><TD COLSPAN="%d"><FONT POINT-SIZE="8">`,
				len(pi.keys), pi.children[len(pi.keys)], 2*len(pi.keys)+1)
			if pi.contFrom {
				label += "&lt;&lt; "
			}
			for _, m := range pi.markers {
				if _, ok := colorOf[m.block]; !ok {
					colorOf[m.block] = blockColors[len(colorOf)%len(blockColors)]
				}
				label += fmt.Sprintf("[%d: block %d, %d used] ", m.pointer, m.block, m.used)
				for p := m.pointer; p < m.end() && p < len(pi.children); p++ {
					blockOf[pi.children[p]] = m.block
				}
			}
			if pi.contTo {
				label += "&gt;&gt;"
			}
			label += `</FONT></TD></TR></TABLE>>`
			fmt.Fprintf(bw, "  p%d [label=%s];\n", pi.idx, label)
			for i, child := range pi.children {
				fmt.Fprintf(bw, "  p%d:f%d -> p%d;\n", pi.idx, i, child)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	if len(leaves) > 1 {
		fmt.Fprintln(bw, "  { rank=same;")
		for _, pi := range leaves {
			fmt.Fprintf(bw, "    p%d;\n", pi.idx)
		}
		fmt.Fprintln(bw, "  }")
		for _, pi := range leaves {
			if pi.right != NoPage {
				fmt.Fprintf(bw, "  p%d -> p%d [style=dashed, color=\"#03A9F4\", constraint=false];\n", pi.idx, pi.right)
			}
		}
	}
	fmt.Fprintln(bw, "}")
	return bw.Flush()
}

func keyLabel(k any) string {
	s := fmt.Sprint(k)
	if b, ok := k.([]byte); ok {
		s = string(b)
	}
	if len(s) > 12 {
		s = s[:12] + ".."
	}
	return html.EscapeString(s)
}

// ExportPNG writes dir/name.dot and renders it with Graphviz's dot into
// dir/name.png.
func (t *Tree[K, V]) ExportPNG(dir, name string) (string, error) {
	dotPath := filepath.Join(dir, name+".dot")
	pngPath := filepath.Join(dir, name+".png")
	f, err := os.Create(dotPath)
	if err != nil {
		return "", errors.Wrap(err, "sbtree: create dot file")
	}
	if err := t.ExportDOT(f); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrap(err, "sbtree: close dot file")
	}
	if out, err := exec.Command("dot", "-Tpng", dotPath, "-o", pngPath).CombinedOutput(); err != nil {
		return "", errors.Wrapf(err, "sbtree: graphviz: %s", out)
	}
	return pngPath, nil
}
