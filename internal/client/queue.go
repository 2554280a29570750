package client

import "sipher/internal/domain"

// queue buffers envelopes that arrive before the account is unlocked.
// Order is strictly first in, first out. Not safe for concurrent use;
// the client serializes access.
type queue struct {
	entries []domain.Envelope
}

func (q *queue) push(env domain.Envelope) {
	q.entries = append(q.entries, env)
}

func (q *queue) takeAll() []domain.Envelope {
	out := q.entries
	q.entries = nil
	return out
}

func (q *queue) len() int { return len(q.entries) }
