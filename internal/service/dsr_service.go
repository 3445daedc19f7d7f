package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"time"

	"trust-service/internal/config"
	"trust-service/internal/metrics"
	"trust-service/internal/models"
	"trust-service/internal/repository"
	"trust-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DSRService runs the data subject request lifecycle. Identity gating happens
// before CreateRequest is called; see IdentityVerifier.ConsumeVerified.
type DSRService struct {
	repo    repository.DSRRepository
	data    repository.DataStore
	audit   AuditRecorder
	clock   util.Clock
	dueIn   time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger

	locks keyedMutex
}

func NewDSRService(cfg config.DSRConfig, repo repository.DSRRepository, data repository.DataStore, audit AuditRecorder, clock util.Clock, m *metrics.Metrics, logger *zap.Logger) *DSRService {
	if clock == nil {
		clock = util.SystemClock{}
	}
	if logger == nil {
		logger = util.Get()
	}
	days := cfg.DueDays
	if days <= 0 {
		days = 30
	}
	return &DSRService{
		repo:    repo,
		data:    data,
		audit:   audit,
		clock:   clock,
		dueIn:   time.Duration(days) * 24 * time.Hour,
		metrics: m,
		logger:  logger,
	}
}

func (s *DSRService) CreateRequest(ctx context.Context, dsrType models.DSRType, requester models.RequesterInfo, details map[string]any) (*models.DSRRequest, error) {
	return s.CreateRequestWithID(ctx, uuid.NewString(), dsrType, requester, details)
}

// CreateRequestWithID is CreateRequest with a caller-chosen id, so a
// verification token can be bound to the request before it exists.
func (s *DSRService) CreateRequestWithID(ctx context.Context, id string, dsrType models.DSRType, requester models.RequesterInfo, details map[string]any) (*models.DSRRequest, error) {
	if id == "" {
		return nil, validationError("request id is required")
	}
	if !dsrType.Valid() {
		return nil, validationError("unknown request type %q", dsrType)
	}
	requester.Email = util.NormalizeEmail(requester.Email)
	if requester.Email == "" {
		return nil, validationError("requester email is required")
	}
	requester.Name = util.SanitizeInput(requester.Name)

	now := s.clock.Now()
	req := &models.DSRRequest{
		ID:             id,
		Type:           dsrType,
		Status:         models.DSRPending,
		CreatedAt:      now,
		DueDate:        now.Add(s.dueIn),
		RequesterInfo:  requester,
		RequestDetails: maps.Clone(details),
	}
	if err := s.repo.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrPersistence, err)
	}

	s.metrics.DSRRequestCreated(string(dsrType))
	s.logger.Info("Data subject request created",
		zap.String("request_id", req.ID),
		zap.String("type", string(dsrType)),
		zap.Time("due_date", req.DueDate),
	)
	s.audit.Append(ctx, models.AuditEvent{
		Type:    models.EventDSRCreated,
		Actor:   util.MaskEmail(requester.Email),
		Outcome: models.OutcomeSuccess,
		Details: map[string]any{
			"request_id":      req.ID,
			"request_type":    string(dsrType),
			"requester_email": requester.Email,
			"due_date":        req.DueDate,
		},
	})
	return req, nil
}

func (s *DSRService) Get(ctx context.Context, id string) (*models.DSRRequest, error) {
	req, err := s.repo.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load request: %v", ErrPersistence, err)
	}
	return req, nil
}

// Process carries out the automated part of a request. Export and erasure
// types finish as COMPLETED; the rest move to IN_PROGRESS for manual handling.
// A DataStore failure leaves the request IN_PROGRESS with the error in notes.
func (s *DSRService) Process(ctx context.Context, id string) (*models.DSRRequest, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return nil, fmt.Errorf("%w: request is %s", ErrInvalidTransition, req.Status)
	}

	if err := s.transition(ctx, req, models.DSRInProgress, "processing started"); err != nil {
		return nil, err
	}

	var response map[string]any
	switch req.Type {
	case models.DSRAccess, models.DSRPortability:
		snapshot, err := s.data.ExportAll(ctx)
		if err != nil {
			return nil, s.processFailed(ctx, req, "export", err)
		}
		response = map[string]any{"format": "json", "data": snapshot}
		s.audit.Append(ctx, models.AuditEvent{
			Type:    models.EventDataExport,
			Actor:   util.MaskEmail(req.RequesterInfo.Email),
			Outcome: models.OutcomeSuccess,
			Details: map[string]any{
				"request_id": req.ID,
				"sessions":   len(snapshot.Sessions),
				"messages":   len(snapshot.Messages),
			},
		})

	case models.DSRErasure:
		counts, err := s.data.Counts(ctx)
		if err != nil {
			return nil, s.processFailed(ctx, req, "count", err)
		}
		if err := s.data.DeleteAll(ctx); err != nil {
			return nil, s.processFailed(ctx, req, "erase", err)
		}
		response = map[string]any{"deleted": map[string]any{
			"sessions": counts.Sessions,
			"messages": counts.Messages,
		}}
		s.audit.Append(ctx, models.AuditEvent{
			Type:     models.EventDataDelete,
			Severity: models.SeverityWarning,
			Actor:    util.MaskEmail(req.RequesterInfo.Email),
			Outcome:  models.OutcomeSuccess,
			Details: map[string]any{
				"request_id": req.ID,
				"sessions":   counts.Sessions,
				"messages":   counts.Messages,
			},
		})

	default:
		return req, nil
	}

	req.ResponseData = response
	if err := s.transition(ctx, req, models.DSRCompleted, "processed automatically"); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *DSRService) processFailed(ctx context.Context, req *models.DSRRequest, step string, cause error) error {
	req.Notes = fmt.Sprintf("%s failed: %v", step, cause)
	if err := s.repo.Update(ctx, req); err != nil {
		s.logger.Error("Failed to record processing failure", zap.String("request_id", req.ID), zap.Error(err))
	}

	s.logger.Error("Data subject request processing failed",
		zap.String("request_id", req.ID),
		zap.String("step", step),
		zap.Error(cause),
	)
	s.audit.Append(ctx, models.AuditEvent{
		Type:     models.EventDSRFailed,
		Severity: models.SeverityWarning,
		Actor:    util.MaskEmail(req.RequesterInfo.Email),
		Outcome:  models.OutcomeFailure,
		Details: map[string]any{
			"request_id":   req.ID,
			"request_type": string(req.Type),
			"step":         step,
			"error":        cause.Error(),
		},
	})
	return fmt.Errorf("%w: %s: %v", ErrPersistence, step, cause)
}

// UpdateStatus is the manual transition path. Requests in a terminal state
// cannot change status. A nil responseData leaves the existing data alone.
func (s *DSRService) UpdateStatus(ctx context.Context, id string, status models.DSRStatus, notes string, responseData map[string]any) (*models.DSRRequest, error) {
	if !status.Valid() {
		return nil, validationError("unknown status %q", status)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return nil, fmt.Errorf("%w: request is %s", ErrInvalidTransition, req.Status)
	}

	if notes != "" {
		req.Notes = util.SanitizeInput(notes)
	}
	if responseData != nil {
		req.ResponseData = maps.Clone(responseData)
	}
	if err := s.transition(ctx, req, status, ""); err != nil {
		return nil, err
	}
	return req, nil
}

// transition persists req with its new status and audits the change.
func (s *DSRService) transition(ctx context.Context, req *models.DSRRequest, status models.DSRStatus, reason string) error {
	from := req.Status
	req.Status = status
	if status == models.DSRCompleted {
		now := s.clock.Now()
		req.CompletedAt = &now
	}
	if err := s.repo.Update(ctx, req); err != nil {
		req.Status = from
		return fmt.Errorf("%w: update request: %v", ErrPersistence, err)
	}

	s.metrics.DSRStatusChanged(string(status))
	details := map[string]any{
		"request_id":   req.ID,
		"request_type": string(req.Type),
		"from":         string(from),
		"to":           string(status),
	}
	if reason != "" {
		details["reason"] = reason
	}

	eventType := models.EventDSRStatusChanged
	if status == models.DSRCompleted {
		eventType = models.EventDSRCompleted
	}
	s.audit.Append(ctx, models.AuditEvent{
		Type:    eventType,
		Actor:   util.MaskEmail(req.RequesterInfo.Email),
		Outcome: models.OutcomeSuccess,
		Details: details,
	})
	return nil
}

// List returns requests matching filter, newest first.
func (s *DSRService) List(ctx context.Context, filter models.DSRFilter) ([]*models.DSRRequest, error) {
	all, err := s.repo.List(ctx, filter.Status)
	if err != nil {
		return nil, fmt.Errorf("%w: list requests: %v", ErrPersistence, err)
	}

	now := s.clock.Now()
	out := make([]*models.DSRRequest, 0, len(all))
	for _, r := range all {
		if filter.Type != "" && r.Type != filter.Type {
			continue
		}
		if filter.Overdue && !r.IsOverdue(now) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *DSRService) ListOverdue(ctx context.Context) ([]*models.DSRRequest, error) {
	return s.List(ctx, models.DSRFilter{Overdue: true})
}

func (s *DSRService) Stats(ctx context.Context) (*models.DSRStats, error) {
	all, err := s.repo.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("%w: list requests: %v", ErrPersistence, err)
	}
	now := s.clock.Now()
	stats := &models.DSRStats{
		ByStatus: map[models.DSRStatus]int{},
		ByType:   map[models.DSRType]int{},
	}
	for _, r := range all {
		stats.Total++
		stats.ByStatus[r.Status]++
		stats.ByType[r.Type]++
		if r.IsOverdue(now) {
			stats.Overdue++
		}
	}
	return stats, nil
}
