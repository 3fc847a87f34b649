package batch

import (
	"io"
	"strings"

	"rail-ingest/trainindex"
)

// IndexStats tallies the train indexes found in the first column of a CSV
// stream. The header row is skipped. A malformed line counts with the text
// before its first comma.
func IndexStats(r io.Reader) (*trainindex.Stats, error) {
	var header bool
	stats := trainindex.NewStats()
	err := eachLine(r, func(_ int, text string, rec []string, err error) error {
		switch {
		case !header:
			header = true
		case err != nil:
			first, _, _ := strings.Cut(text, ",")
			stats.Add(first)
		default:
			stats.Add(rec[0])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !header {
		return nil, ErrNoHeader
	}
	return stats, nil
}
