// Package repository declares the persistence contracts shared by the
// in-memory and Scylla implementations.
package repository

import (
	"context"
	"errors"
	"time"

	"trust-service/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict reports a failed compare-and-set.
	ErrConflict = errors.New("record changed concurrently")
)

// TokenRepository stores verification tokens. Implementations return copies;
// callers persist changes with Update.
type TokenRepository interface {
	Create(ctx context.Context, token *models.VerificationToken) error
	Get(ctx context.Context, id string) (*models.VerificationToken, error)
	Update(ctx context.Context, token *models.VerificationToken) error
	// SwapRelatedRequest sets RelatedRequestID to next only while it still
	// equals expected, and returns ErrConflict otherwise.
	SwapRelatedRequest(ctx context.Context, id, expected, next string) error
	DeleteUnverifiedByEmail(ctx context.Context, email string) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// DSRRepository stores data subject requests. An empty status lists all.
type DSRRepository interface {
	Create(ctx context.Context, req *models.DSRRequest) error
	Get(ctx context.Context, id string) (*models.DSRRequest, error)
	Update(ctx context.Context, req *models.DSRRequest) error
	List(ctx context.Context, status models.DSRStatus) ([]*models.DSRRequest, error)
}

// DataStore is the user data a DSR acts on.
type DataStore interface {
	ExportAll(ctx context.Context) (*models.DataSnapshot, error)
	Counts(ctx context.Context) (*models.DataCounts, error)
	DeleteAll(ctx context.Context) error
}
