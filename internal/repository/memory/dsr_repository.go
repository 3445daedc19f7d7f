package memory

import (
	"context"
	"maps"
	"sort"
	"sync"

	"trust-service/internal/models"
	"trust-service/internal/repository"
)

type DSRRepository struct {
	mu       sync.RWMutex
	requests map[string]*models.DSRRequest
}

var _ repository.DSRRepository = (*DSRRepository)(nil)

func NewDSRRepository() *DSRRepository {
	return &DSRRepository{requests: make(map[string]*models.DSRRequest)}
}

func cloneRequest(r *models.DSRRequest) *models.DSRRequest {
	c := *r
	if r.CompletedAt != nil {
		v := *r.CompletedAt
		c.CompletedAt = &v
	}
	c.RequestDetails = maps.Clone(r.RequestDetails)
	c.ResponseData = maps.Clone(r.ResponseData)
	return &c
}

func (r *DSRRepository) Create(_ context.Context, req *models.DSRRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[req.ID] = cloneRequest(req)
	return nil
}

func (r *DSRRepository) Get(_ context.Context, id string) (*models.DSRRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.requests[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneRequest(req), nil
}

func (r *DSRRepository) Update(_ context.Context, req *models.DSRRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requests[req.ID]; !ok {
		return repository.ErrNotFound
	}
	r.requests[req.ID] = cloneRequest(req)
	return nil
}

// List returns requests newest first.
func (r *DSRRepository) List(_ context.Context, status models.DSRStatus) ([]*models.DSRRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.DSRRequest, 0, len(r.requests))
	for _, req := range r.requests {
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, cloneRequest(req))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
