package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/ZebulonRouseFrantzich/rombox/internal/fetch"
)

// emit writes v as indented JSON when jsonOutput is set, otherwise the text.
func emit(w io.Writer, jsonOutput bool, v any, text string) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	if text == "" {
		return nil
	}
	_, err := fmt.Fprintln(w, text)
	return err
}

// humanBytes formats n with binary units.
func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// renderProgress draws updates on one terminal line until the channel is
// closed. The returned wait blocks until rendering has finished.
func renderProgress(w io.Writer, p *fetch.Progress) (wait func()) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		drawn := false
		for u := range p.Updates() {
			drawn = true
			if u.HasTotal() && u.Total > 0 {
				fmt.Fprintf(w, "\r  %s / %s (%d%%)   ", humanBytes(u.BytesReceived), humanBytes(u.Total), u.BytesReceived*100/u.Total)
			} else {
				fmt.Fprintf(w, "\r  %s   ", humanBytes(u.BytesReceived))
			}
		}
		if drawn {
			fmt.Fprintln(w)
		}
	}()
	return wg.Wait
}
