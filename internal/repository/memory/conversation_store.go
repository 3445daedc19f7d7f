package memory

import (
	"context"
	"sort"
	"sync"

	"trust-service/internal/models"
	"trust-service/internal/repository"
	"trust-service/internal/util"
)

// ConversationStore is the in-process DataStore used when Scylla is disabled.
type ConversationStore struct {
	clock    util.Clock
	mu       sync.RWMutex
	sessions map[string]models.ConversationSession
	messages map[string]models.ConversationMessage
}

var _ repository.DataStore = (*ConversationStore)(nil)

func NewConversationStore(clock util.Clock) *ConversationStore {
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &ConversationStore{
		clock:    clock,
		sessions: make(map[string]models.ConversationSession),
		messages: make(map[string]models.ConversationMessage),
	}
}

func (s *ConversationStore) AddSession(sess models.ConversationSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *ConversationStore) AddMessage(msg models.ConversationMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = msg
}

func (s *ConversationStore) ExportAll(_ context.Context) (*models.DataSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &models.DataSnapshot{
		ExportedAt: s.clock.Now(),
		Sessions:   make([]models.ConversationSession, 0, len(s.sessions)),
		Messages:   make([]models.ConversationMessage, 0, len(s.messages)),
	}
	for _, sess := range s.sessions {
		snap.Sessions = append(snap.Sessions, sess)
	}
	for _, msg := range s.messages {
		snap.Messages = append(snap.Messages, msg)
	}
	sort.Slice(snap.Sessions, func(i, j int) bool { return snap.Sessions[i].CreatedAt.Before(snap.Sessions[j].CreatedAt) })
	sort.Slice(snap.Messages, func(i, j int) bool { return snap.Messages[i].CreatedAt.Before(snap.Messages[j].CreatedAt) })
	return snap, nil
}

func (s *ConversationStore) Counts(_ context.Context) (*models.DataCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &models.DataCounts{Sessions: len(s.sessions), Messages: len(s.messages)}, nil
}

func (s *ConversationStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.sessions)
	clear(s.messages)
	return nil
}
