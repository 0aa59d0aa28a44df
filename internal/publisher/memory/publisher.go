// Package memory records published seller records for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
)

// Message captures one publish call.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher keeps every message in order. Err, when set, fails every publish.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	Err      error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

var _ harvest.Publisher = (*Publisher)(nil)

// Publish records the message and returns a sequential ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return "", p.Err
	}
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Messages returns a copy of the recorded messages.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Sellers returns the seller records published to topic.
func (p *Publisher) Sellers(topic string) []harvest.SellerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []harvest.SellerInfo
	for _, m := range p.messages {
		if info, ok := m.Payload.(harvest.SellerInfo); ok && m.Topic == topic {
			out = append(out, info)
		}
	}
	return out
}
