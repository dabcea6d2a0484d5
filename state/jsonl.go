package state

// This file contains a line-delimited JSON encoding of runner events, used
// to ship events across a process boundary and to replay them later.

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/perfgo/vtest/model"
)

// Envelope is one encoded event
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// JSONLinesSender writes one JSON object per event. It is safe for
// concurrent use.
type JSONLinesSender struct {
	mu  sync.Mutex
	w   io.Writer
	err error
}

// NewJSONLinesSender creates a sender writing to w
func NewJSONLinesSender(w io.Writer) *JSONLinesSender {
	return &JSONLinesSender{w: w}
}

// Send encodes the event. After the first failure further events are
// dropped; the failure is reported by Err.
func (s *JSONLinesSender) Send(event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}

	data, err := model.EncodeJSON(payload)
	if err != nil {
		data, err = model.EncodeJSON(model.Sanitize(payload))
		if err != nil {
			s.err = fmt.Errorf("failed to encode %s payload: %w", event, err)
			return
		}
	}
	line, err := model.EncodeJSON(Envelope{Event: event, Payload: data})
	if err != nil {
		s.err = fmt.Errorf("failed to encode %s event: %w", event, err)
		return
	}
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		s.err = fmt.Errorf("failed to write %s event: %w", event, err)
	}
}

// Err returns the first failure, if any
func (s *JSONLinesSender) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Replay decodes an event stream produced by JSONLinesSender into m and
// returns the number of applied events.
func Replay(r io.Reader, m *Manager) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	n := 0
	for line := 1; scanner.Scan(); line++ {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}

		payload, err := decodePayload(env)
		if err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		m.Send(env.Event, payload)
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("failed to read events: %w", err)
	}
	return n, nil
}

func decodePayload(env Envelope) (any, error) {
	switch env.Event {
	case model.EventCollected:
		var files []*model.Task
		if err := json.Unmarshal(env.Payload, &files); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Event, err)
		}
		for _, f := range files {
			model.Link(f)
		}
		return files, nil
	case model.EventTaskUpdate:
		var packs []model.TaskResultPack
		if err := json.Unmarshal(env.Payload, &packs); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Event, err)
		}
		return packs, nil
	case model.EventLog:
		var entry model.LogEntry
		if err := json.Unmarshal(env.Payload, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Event, err)
		}
		return entry, nil
	}
	return env.Payload, nil
}
