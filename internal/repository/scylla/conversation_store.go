package scylla

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"trust-service/internal/models"
	"trust-service/internal/repository"
	"trust-service/internal/util"
)

// ConversationStore exposes the conversation tables as a DSR DataStore.
type ConversationStore struct {
	client *ScyllaClient
	clock  util.Clock
}

var _ repository.DataStore = (*ConversationStore)(nil)

func NewConversationStore(client *ScyllaClient, clock util.Clock) *ConversationStore {
	return &ConversationStore{client: client, clock: clock}
}

func (s *ConversationStore) ExportAll(ctx context.Context) (*models.DataSnapshot, error) {
	snap := &models.DataSnapshot{
		ExportedAt: s.clock.Now(),
		Sessions:   []models.ConversationSession{},
		Messages:   []models.ConversationMessage{},
	}

	iter := s.client.Query(ctx, s.client.Stmt.SelectSessions).Iter()
	var sess models.ConversationSession
	for iter.Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt) {
		snap.Sessions = append(snap.Sessions, sess)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to export sessions: %w", err)
	}

	iter = s.client.Query(ctx, s.client.Stmt.SelectMessages).Iter()
	var msg models.ConversationMessage
	for iter.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.CreatedAt) {
		snap.Messages = append(snap.Messages, msg)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to export messages: %w", err)
	}
	return snap, nil
}

func (s *ConversationStore) Counts(ctx context.Context) (*models.DataCounts, error) {
	var counts models.DataCounts
	if err := s.client.ScanWithRetry(s.client.Query(ctx, s.client.Stmt.CountSessions), &counts.Sessions); err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	if err := s.client.ScanWithRetry(s.client.Query(ctx, s.client.Stmt.CountMessages), &counts.Messages); err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	return &counts, nil
}

// DeleteAll truncates messages before sessions so a partial failure never
// leaves messages pointing at removed sessions.
func (s *ConversationStore) DeleteAll(ctx context.Context) error {
	for _, stmt := range []string{s.client.Stmt.TruncateMessages, s.client.Stmt.TruncateSessions} {
		if err := s.client.ExecuteWithRetry(s.client.Query(ctx, stmt), 1); err != nil {
			util.Error("Failed to erase conversation data", zap.Error(err))
			return fmt.Errorf("failed to erase conversation data: %w", err)
		}
	}
	util.Info("Conversation data erased")
	return nil
}
