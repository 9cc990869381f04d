package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/message-dispatch/internal/message"
	"github.com/example/message-dispatch/internal/store"
)

// Store is an in-memory store.Store. It backs tests and local runs; the
// production repository lives in store/postgres. Reads return copies so
// callers mutate their own snapshot and persist it explicitly via Update.
type Store struct {
	mu        sync.RWMutex
	messages  map[string]*message.Message
	updatedAt map[string]time.Time
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		messages:  make(map[string]*message.Message),
		updatedAt: make(map[string]time.Time),
	}
}

func (s *Store) Save(ctx context.Context, m *message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[m.ID]; exists {
		return fmt.Errorf("memory store: duplicate id %s", m.ID)
	}
	s.messages[m.ID] = clone(m)
	s.updatedAt[m.ID] = time.Now().UTC()
	return nil
}

func (s *Store) SaveBatch(ctx context.Context, msgs []*message.Message) error {
	for _, m := range msgs {
		if err := s.Save(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(m), nil
}

func (s *Store) Query(ctx context.Context, f store.Filter) (*store.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.filtered(f)
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var pageMsgs []*message.Message
	if offset < total {
		end := offset + limit
		if end > total {
			end = total
		}
		for _, m := range matched[offset:end] {
			pageMsgs = append(pageMsgs, clone(m))
		}
	}

	return &store.Page{
		Messages: pageMsgs,
		Total:    total,
		HasMore:  offset+len(pageMsgs) < total,
	}, nil
}

func (s *Store) Update(ctx context.Context, m *message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; !ok {
		return store.ErrNotFound
	}
	s.messages[m.ID] = clone(m)
	s.updatedAt[m.ID] = time.Now().UTC()
	return nil
}

func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, m := range s.messages {
		if m.CreatedAt.Before(cutoff) {
			delete(s.messages, id)
			delete(s.updatedAt, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) Count(ctx context.Context, f store.Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.filtered(f)), nil
}

func (s *Store) FailedMessages(ctx context.Context, limit int) ([]*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var failed []*message.Message
	for _, m := range s.messages {
		if m.Status == message.StatusFailed {
			failed = append(failed, m)
		}
	}
	sort.Slice(failed, func(i, j int) bool {
		ti, tj := failed[i].FailedAt, failed[j].FailedAt
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.After(*tj)
		}
	})
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}

	out := make([]*message.Message, len(failed))
	for i, m := range failed {
		out[i] = clone(m)
	}
	return out, nil
}

func (s *Store) StuckSending(ctx context.Context, cutoff time.Time) ([]*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stuck []*message.Message
	for id, m := range s.messages {
		if m.Status == message.StatusSending && s.updatedAt[id].Before(cutoff) {
			stuck = append(stuck, clone(m))
		}
	}
	return stuck, nil
}

func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &store.Stats{}
	for _, m := range s.messages {
		stats.Total++
		switch m.Status {
		case message.StatusSent:
			stats.Sent++
		case message.StatusFailed:
			stats.Failed++
		case message.StatusPending, message.StatusQueued, message.StatusSending:
			stats.Pending++
		}
		switch m.Type {
		case message.TypeEmail:
			stats.Email++
		case message.TypeSMS:
			stats.SMS++
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Sent) / float64(stats.Total) * 100
	}
	return stats, nil
}

// SetUpdatedAt backdates the bookkeeping timestamp for a message. Test hook
// for the stuck-SENDING sweep.
func (s *Store) SetUpdatedAt(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updatedAt[id] = at
}

func (s *Store) filtered(f store.Filter) []*message.Message {
	var out []*message.Message
	for _, m := range s.messages {
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.UserID != "" && m.UserID != f.UserID {
			continue
		}
		if f.TraceID != "" && m.TraceID != f.TraceID {
			continue
		}
		if !f.Start.IsZero() && m.CreatedAt.Before(f.Start) {
			continue
		}
		if !f.End.IsZero() && m.CreatedAt.After(f.End) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// clone copies the lifecycle record, including the metadata map. Channel
// payloads are immutable after creation and are shared between copies.
func clone(m *message.Message) *message.Message {
	cp := *m
	if m.SentAt != nil {
		t := *m.SentAt
		cp.SentAt = &t
	}
	if m.FailedAt != nil {
		t := *m.FailedAt
		cp.FailedAt = &t
	}
	if m.Metadata != nil {
		cp.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
