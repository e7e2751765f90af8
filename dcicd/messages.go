package dcicd

import (
	"context"
	"slices"
	"sync"
	"time"
)

type Message struct {
	Time time.Time `json:"time"`
	Job  string    `json:"job,omitempty"`
	Text string    `json:"text"`
}

// messageLog keeps the most recent outbound messages and job
// completions for clients that poll /messages.
type messageLog struct {
	mu    sync.Mutex
	items []Message
	max   int
}

func newMessageLog(max int) *messageLog {
	return &messageLog{max: max}
}

func (m *messageLog) add(job, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = append(m.items, Message{Time: time.Now(), Job: job, Text: text})
	if over := len(m.items) - m.max; over > 0 {
		m.items = slices.Delete(m.items, 0, over)
	}
}

// recent returns the kept messages, oldest first.
func (m *messageLog) recent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message{}, m.items...)
}

// consume records every message from out until ctx is done.
func (m *messageLog) consume(ctx context.Context, out <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-out:
			m.add("", msg)
		}
	}
}
