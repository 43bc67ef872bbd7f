package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/randalmurphal/logsift"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeResult(w io.Writer, format string, res *logsift.Result) error {
	if format == "json" {
		return writeJSON(w, res)
	}

	fmt.Fprintf(w, "run %s: %s", res.RunID, res.Status)
	if res.Channel != "" {
		fmt.Fprintf(w, " via %s", res.Channel)
	}
	if res.Format != "" {
		fmt.Fprintf(w, ", %s", res.Format)
	}
	fmt.Fprintf(w, ", %s in, %s retained, %s\n",
		humanize.IBytes(uint64(res.BytesIn)),
		humanize.IBytes(uint64(res.BytesRetained)),
		res.Duration.Round(time.Millisecond),
	)
	for _, f := range res.Fallbacks {
		fmt.Fprintf(w, "fallback: %s\n", f)
	}
	if res.Corruption != "" {
		fmt.Fprintf(w, "corrupt input: %s\n", res.Corruption)
	}
	if res.NothingFound() {
		fmt.Fprintln(w, "no failure signals found")
	}
	return res.WriteText(w)
}
