package store

import (
	"context"
	"sort"
	"sync"

	"github.com/agrilink/chat-app/internal/chat"
)

// MemoryStore keeps messages in process memory, grouped by unordered pair.
type MemoryStore struct {
	mu     sync.RWMutex
	byPair map[string][]chat.Message // PairKey -> messages in insertion order
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byPair: make(map[string][]chat.Message)}
}

func (s *MemoryStore) Create(ctx context.Context, nm NewMessage) (chat.Message, error) {
	m, err := prepare(nm)
	if err != nil {
		return chat.Message{}, err
	}

	key := chat.PairKey(m.SenderID, m.ReceiverID)
	s.mu.Lock()
	s.byPair[key] = append(s.byPair[key], m)
	s.mu.Unlock()

	recordCreated(m)
	return m, nil
}

func (s *MemoryStore) Query(ctx context.Context, a, b chat.UserID) ([]chat.Message, error) {
	if err := validatePair(a, b); err != nil {
		return nil, err
	}

	s.mu.RLock()
	stored := s.byPair[chat.PairKey(a, b)]
	out := make([]chat.Message, len(stored))
	copy(out, stored)
	s.mu.RUnlock()

	// Wall clock may step backwards between inserts; the stable sort keeps
	// insertion order for equal timestamps.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
