package memory

import (
	"context"
	"sync"
	"time"

	"trust-service/internal/models"
	"trust-service/internal/repository"
)

type TokenRepository struct {
	mu     sync.RWMutex
	tokens map[string]*models.VerificationToken
}

var _ repository.TokenRepository = (*TokenRepository)(nil)

func NewTokenRepository() *TokenRepository {
	return &TokenRepository{tokens: make(map[string]*models.VerificationToken)}
}

func cloneToken(t *models.VerificationToken) *models.VerificationToken {
	c := *t
	if t.VerifiedAt != nil {
		v := *t.VerifiedAt
		c.VerifiedAt = &v
	}
	return &c
}

func (r *TokenRepository) Create(_ context.Context, token *models.VerificationToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token.ID] = cloneToken(token)
	return nil
}

func (r *TokenRepository) Get(_ context.Context, id string) (*models.VerificationToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneToken(t), nil
}

func (r *TokenRepository) Update(_ context.Context, token *models.VerificationToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[token.ID]; !ok {
		return repository.ErrNotFound
	}
	r.tokens[token.ID] = cloneToken(token)
	return nil
}

func (r *TokenRepository) SwapRelatedRequest(_ context.Context, id, expected, next string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	if !ok {
		return repository.ErrNotFound
	}
	if t.RelatedRequestID != expected {
		return repository.ErrConflict
	}
	t.RelatedRequestID = next
	return nil
}

func (r *TokenRepository) DeleteUnverifiedByEmail(_ context.Context, email string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, t := range r.tokens {
		if t.Email == email && !t.IsVerified() {
			delete(r.tokens, id)
			n++
		}
	}
	return n, nil
}

func (r *TokenRepository) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, t := range r.tokens {
		if t.IsExpired(now) {
			delete(r.tokens, id)
			n++
		}
	}
	return n, nil
}
