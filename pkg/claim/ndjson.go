package claim

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

const maxLineSize = 16 * 1024 * 1024

// EventReader decodes newline-delimited change events. Blank lines are skipped.
type EventReader struct {
	scanner *bufio.Scanner
	line    int
}

func NewEventReader(r io.Reader) *EventReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &EventReader{scanner: s}
}

// Next returns the next event, or io.EOF after the last one.
func (r *EventReader) Next() (*ChangeEvent, error) {
	for r.scanner.Scan() {
		r.line++
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev ChangeEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", r.line, err)
		}
		return &ev, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// WriteEvents encodes events one per line.
func WriteEvents(w io.Writer, events ...*ChangeEvent) error {
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode event %d: %w", ev.Sequence, err)
		}
	}
	return nil
}
