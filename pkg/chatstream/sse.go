package chatstream

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// sseEvent is one dispatched Server-Sent Event
type sseEvent struct {
	Event string
	Data  string
	ID    string
	Retry time.Duration
}

// sseReader parses a text/event-stream body
type sseReader struct {
	reader  *bufio.Reader
	maxSize int
	lastID  string
	// skipLF is set after a bare \r so that a following \n is not read as a blank line
	skipLF bool
}

func newSSEReader(r io.Reader, maxSize int) *sseReader {
	if maxSize <= 0 {
		maxSize = MaxEventSize
	}
	return &sseReader{reader: bufio.NewReader(r), maxSize: maxSize}
}

// Next reads the next event. Comment-only and field-less blocks are skipped.
// io.EOF is returned once the body is exhausted with nothing pending.
func (s *sseReader) Next() (sseEvent, error) {
	var ev sseEvent
	var data []string
	hasData := false
	size := 0

	for {
		line, err := s.readLine()
		if err != nil {
			if err == io.EOF && hasData {
				// Unterminated final event; dispatch what we have.
				ev.Data = strings.Join(data, "\n")
				ev.ID = s.lastID
				return ev, nil
			}
			return sseEvent{}, err
		}

		if line == "" {
			if !hasData {
				ev = sseEvent{}
				continue
			}
			ev.Data = strings.Join(data, "\n")
			ev.ID = s.lastID
			return ev, nil
		}

		size += len(line)
		if size > s.maxSize {
			return sseEvent{}, fmt.Errorf("sse event exceeds %d bytes", s.maxSize)
		}

		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			ev.Event = value
		case "data":
			data = append(data, value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				s.lastID = value
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				ev.Retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
}

// readLine returns one line without its terminator, accepting \n, \r\n or \r
func (s *sseReader) readLine() (string, error) {
	var buf bytes.Buffer
	for {
		b, err := s.reader.ReadByte()
		if err != nil {
			if err == io.EOF && buf.Len() > 0 {
				return buf.String(), nil
			}
			return "", err
		}
		if s.skipLF {
			s.skipLF = false
			if b == '\n' {
				continue
			}
		}
		switch b {
		case '\n':
			return buf.String(), nil
		case '\r':
			// Never peek here: the rest of a \r\n may not have arrived yet
			s.skipLF = true
			return buf.String(), nil
		}
		if buf.Len() >= s.maxSize {
			return "", fmt.Errorf("sse line exceeds %d bytes", s.maxSize)
		}
		buf.WriteByte(b)
	}
}
