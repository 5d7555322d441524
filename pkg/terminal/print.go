package terminal

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/physmem/pmem/pkg/kmem"
	"github.com/physmem/pmem/pkg/pagewalk"
)

// DefaultHexdumpWidth is the number of bytes per hexdump line when the
// configuration does not say otherwise.
const DefaultHexdumpWidth = 16

// Hexdump writes data to out as lines of width bytes, each prefixed by
// the address of its first byte.
func Hexdump(out io.Writer, addr uint64, data []byte, width int) {
	if width <= 0 {
		width = DefaultHexdumpWidth
	}
	bw := bufio.NewWriter(out)
	defer bw.Flush()
	for off := 0; off < len(data); off += width {
		end := off + width
		if end > len(data) {
			end = len(data)
		}
		line := data[off:end]
		fmt.Fprintf(bw, "%#016x: ", addr+uint64(off))
		for i := 0; i < width; i++ {
			if i < len(line) {
				fmt.Fprintf(bw, "%02x ", line[i])
			} else {
				bw.WriteString("   ")
			}
		}
		bw.WriteString(" ")
		for _, b := range line {
			if b >= 0x20 && b < 0x7f {
				bw.WriteByte(b)
			} else {
				bw.WriteByte('.')
			}
		}
		bw.WriteString("\n")
	}
}

// PrintWalk writes the entries visited by a page-table walk.
func PrintWalk(out io.Writer, tr pagewalk.Translation) {
	tw := tabwriter.NewWriter(out, 1, 8, 1, '\t', 0)
	defer tw.Flush()
	for l := pagewalk.PML4; int(l) < tr.Depth; l++ {
		fmt.Fprintf(tw, "%s\t[%d]\t%#016x\n", l, pagewalk.Index(tr.Virtual, l), tr.Entries[l])
	}
	if tr.PageSize != 0 {
		fmt.Fprintf(tw, "page\t%s\t%#016x\n", pageSizeString(tr.PageSize), tr.Physical)
	}
}

func pageSizeString(sz uint64) string {
	switch sz {
	case pagewalk.PageSize1G:
		return "1G"
	case pagewalk.PageSize2M:
		return "2M"
	}
	return "4K"
}

// PrintDisassembly writes text using the given syntax flavour.
func PrintDisassembly(out io.Writer, text []kmem.AsmInstruction, flavour kmem.AssemblyFlavour) {
	bw := bufio.NewWriter(out)
	defer bw.Flush()
	tw := tabwriter.NewWriter(bw, 1, 8, 1, '\t', 0)
	defer tw.Flush()
	for i := range text {
		inst := &text[i]
		fmt.Fprintf(tw, "%#016x\t%x\t%s\n", inst.PC, inst.Bytes, strings.TrimSpace(inst.Text(flavour)))
	}
}
