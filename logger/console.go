package logger

import (
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
)

// Numbers must survive the round trip unmangled, so they decode as
// json.Number rather than float64.
var consoleJSON = jsoniter.Config{UseNumber: true, SortMapKeys: true}.Froze()

// consoleWriter deduplicates json keys in the events it writes out.
//
// zerolog appends fields as they come and never looks back, so nothing stops
// the same key from landing in one event twice. Rebuilding the event through
// a map keeps the last value per key. The decode/encode cost per event buys
// not having to police key reuse across the codebase.
type consoleWriter struct {
	out io.Writer
}

func (c *consoleWriter) Write(p []byte) (int, error) {
	var evt map[string]any
	if err := consoleJSON.Unmarshal(p, &evt); err != nil {
		return 0, fmt.Errorf("cannot decode event: %s", err)
	}
	return len(p), consoleJSON.NewEncoder(c.out).Encode(evt)
}
