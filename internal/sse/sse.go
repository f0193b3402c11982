// Package sse emits and consumes the Server-Sent Events wire format used by
// the GraphQL over SSE transport: "event:" and "data:" fields terminated by a
// blank line, plus ":" comment lines used as keep-alives.
package sse

import (
	"bytes"
	"fmt"
	"io"
)

// Event is one dispatched SSE record.
type Event struct {
	Name string
	Data []byte
}

// WriteEvent writes a single SSE record. The payload is expected to be JSON
// serialized without embedded newlines, so a single data line suffices.
func WriteEvent(w io.Writer, name string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", name); err != nil {
		return fmt.Errorf("write sse event field: %w", err)
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("write sse data prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write sse data payload: %w", err)
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("write sse record terminator: %w", err)
	}
	return nil
}

// WriteComment writes a comment keep-alive record. Receivers ignore it.
func WriteComment(w io.Writer) error {
	if _, err := w.Write([]byte(":\n\n")); err != nil {
		return fmt.Errorf("write sse comment: %w", err)
	}
	return nil
}

// Parser is an incremental SSE parser. Feed it raw chunks as they arrive;
// records split across read boundaries are buffered until complete.
type Parser struct {
	rem  []byte // trailing partial line from the previous chunk
	name string
	data [][]byte
}

// Feed consumes one chunk and returns the events completed by it.
func (p *Parser) Feed(chunk []byte) []Event {
	var events []Event

	buf := chunk
	if len(p.rem) > 0 {
		buf = append(p.rem, chunk...)
		p.rem = nil
	}

	for {
		nl := bytes.IndexByte(buf, '\n')
		if nl < 0 {
			break
		}
		line := buf[:nl]
		buf = buf[nl+1:]
		if ev, ok := p.line(line); ok {
			events = append(events, ev)
		}
	}

	if len(buf) > 0 {
		p.rem = append([]byte(nil), buf...)
	}
	return events
}

// line processes one complete line (without the trailing newline) and reports
// whether it dispatched an event.
func (p *Parser) line(line []byte) (Event, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))

	if len(line) == 0 {
		if p.name == "" && p.data == nil {
			return Event{}, false
		}
		ev := Event{Name: p.name, Data: joinData(p.data)}
		if ev.Name == "" {
			ev.Name = "message"
		}
		p.name = ""
		p.data = nil
		return ev, true
	}

	if line[0] == ':' {
		// Comment keep-alive.
		return Event{}, false
	}

	field, value := splitField(line)
	switch field {
	case "event":
		p.name = string(value)
	case "data":
		p.data = append(p.data, append([]byte(nil), value...))
	}
	// Unknown fields (including id and retry, unused by this protocol) are
	// ignored.
	return Event{}, false
}

// splitField splits "field: value", stripping at most one leading space from
// the value as the SSE specification requires.
func splitField(line []byte) (string, []byte) {
	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		return string(line), nil
	}
	field := string(line[:colon])
	value := line[colon+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return field, value
}

// joinData joins multiple data lines with newlines per the SSE specification.
// The emitter in this package always writes a single line.
func joinData(lines [][]byte) []byte {
	switch len(lines) {
	case 0:
		return nil
	case 1:
		return lines[0]
	}
	return bytes.Join(lines, []byte("\n"))
}
