package extract

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// WriteText renders the result as plain text: one header per excerpt
// followed by its lines, then a summary line.
func (r *Result) WriteText(w io.Writer) error {
	bw := bufio.NewWriter(w)
	n := len(r.Excerpts)
	for i, ex := range r.Excerpts {
		fmt.Fprintf(bw, "=== excerpt %d/%d: lines %d-%d", i+1, n, ex.StartLine, ex.EndLine)
		if ex.Entry != "" {
			fmt.Fprintf(bw, " (%s)", ex.Entry)
		}
		fmt.Fprintf(bw, " [%s]", summarize(ex.Summary))
		if ex.Clipped {
			bw.WriteString(" clipped")
		}
		bw.WriteString(" ===\n")
		bw.WriteString(ex.Text)
	}

	truncated := "no"
	if r.Truncated {
		truncated = r.TruncationReason
	}
	fmt.Fprintf(bw, "=== %d excerpts, %d signals, %d lines, truncated: %s ===\n",
		n, r.Signals, r.LinesSeen, truncated)
	return bw.Flush()
}

func summarize(counts map[Kind]int) string {
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[Kind(k)])
	}
	return strings.Join(parts, " ")
}
