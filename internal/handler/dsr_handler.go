package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"trust-service/internal/models"
	"trust-service/internal/service"
	"trust-service/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DSRHandler serves identity verification and data subject requests.
type DSRHandler struct {
	base
	verifier *service.IdentityVerifier
	dsr      *service.DSRService
	limiter  *ipRateLimiter
}

func NewDSRHandler(verifier *service.IdentityVerifier, dsr *service.DSRService, verifyRPS float64, verifyBurst int, logger *zap.Logger) *DSRHandler {
	return &DSRHandler{
		base:     newBase(logger),
		verifier: verifier,
		dsr:      dsr,
		limiter:  newIPRateLimiter(verifyRPS, verifyBurst),
	}
}

type verificationRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

type confirmRequest struct {
	TokenID string `json:"tokenId" validate:"required,max=64"`
	Code    string `json:"code" validate:"required,len=6,numeric"`
}

type createDSRRequest struct {
	Type                models.DSRType       `json:"type" validate:"required"`
	RequesterInfo       models.RequesterInfo `json:"requesterInfo" validate:"required"`
	RequestDetails      map[string]any       `json:"requestDetails"`
	VerificationTokenID string               `json:"verificationTokenId" validate:"required"`
}

type updateStatusRequest struct {
	Status       models.DSRStatus `json:"status" validate:"required"`
	Notes        string           `json:"notes" validate:"max=4000"`
	ResponseData map[string]any   `json:"responseData"`
}

// RegisterRoutes registers all DSR routes
func (h *DSRHandler) RegisterRoutes(router chi.Router) {
	router.Route("/dsr", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.limiter.Middleware)
			r.Post("/verify/request", h.RequestVerification)
			r.Post("/verify/confirm", h.ConfirmVerification)
		})

		r.Post("/requests", h.CreateRequest)
		r.Get("/requests", h.ListRequests)
		r.Get("/requests/{id}", h.GetRequest)
		r.Patch("/requests/{id}", h.UpdateStatus)
		r.Post("/requests/{id}/process", h.ProcessRequest)
		r.Get("/stats", h.GetStats)
	})
}

// RequestVerification issues a one-time code to the given address
func (h *DSRHandler) RequestVerification(w http.ResponseWriter, r *http.Request) {
	var req verificationRequest
	if err := h.decode(r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	tokenID, err := h.verifier.RequestVerification(r.Context(), req.Email, clientIP(r))
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to request verification")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{"tokenId": tokenID}, "Verification code sent"))
}

// ConfirmVerification checks a code. Failures carry the reason and the
// remaining attempts in data.
func (h *DSRHandler) ConfirmVerification(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := h.decode(r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	res, err := h.verifier.Verify(r.Context(), req.TokenID, req.Code)
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to verify code")
		return
	}
	if !res.Verified {
		h.respondWithJSON(w, verificationStatus(res.Failure), Response{
			Success: false,
			Data:    res,
			Error:   string(res.Failure),
			Message: "Verification failed",
		})
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(res, "Identity verified"))
}

func verificationStatus(f service.VerificationFailure) int {
	switch f {
	case service.FailureTokenNotFound:
		return http.StatusNotFound
	case service.FailureMaxAttemptsExceeded:
		return http.StatusTooManyRequests
	case service.FailureInvalidCode, service.FailureTokenExpired:
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

// CreateRequest files a DSR. The verification token must be verified for the
// requester's address and is spent by this call.
func (h *DSRHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req createDSRRequest
	if err := h.decode(r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if !req.Type.Valid() {
		h.respondWithError(w, http.StatusBadRequest, errors.Join(service.ErrValidation, errors.New("unknown request type")), "Invalid request type")
		return
	}

	// The token is spent before the request exists.
	requestID := uuid.NewString()
	if err := h.verifier.ConsumeVerified(ctx, req.VerificationTokenID, req.RequesterInfo.Email, requestID); err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Identity verification required")
		return
	}

	created, err := h.dsr.CreateRequestWithID(ctx, requestID, req.Type, req.RequesterInfo, req.RequestDetails)
	if err != nil {
		if rerr := h.verifier.ReleaseToken(ctx, req.VerificationTokenID, requestID); rerr != nil {
			h.logger.Error("Failed to release verification token", zap.String("request_id", requestID), zap.Error(rerr))
		}
		h.respondWithError(w, getStatusCode(err), err, "Failed to create request")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(created, "Request created successfully"))
	h.logger.Info("DSR created via HTTP",
		util.String("request_id", created.ID),
		util.String("type", string(created.Type)),
		util.Duration("duration", time.Since(startTime)),
	)
}

// ListRequests supports ?status=&type=&overdue=true
func (h *DSRHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.DSRFilter{
		Status: models.DSRStatus(q.Get("status")),
		Type:   models.DSRType(q.Get("type")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		h.respondWithError(w, http.StatusBadRequest, errors.Join(service.ErrValidation, errors.New("unknown status")), "Invalid status filter")
		return
	}
	if filter.Type != "" && !filter.Type.Valid() {
		h.respondWithError(w, http.StatusBadRequest, errors.Join(service.ErrValidation, errors.New("unknown type")), "Invalid type filter")
		return
	}
	if raw := q.Get("overdue"); raw != "" {
		overdue, err := strconv.ParseBool(raw)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, errors.Join(service.ErrValidation, err), "Invalid overdue filter")
			return
		}
		filter.Overdue = overdue
	}

	requests, err := h.dsr.List(r.Context(), filter)
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to list requests")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]any{
		"requests": requests,
		"count":    len(requests),
	}, "Requests retrieved successfully"))
}

func (h *DSRHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.dsr.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to get request")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(req, "Request retrieved successfully"))
}

func (h *DSRHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := h.decode(r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	updated, err := h.dsr.UpdateStatus(r.Context(), chi.URLParam(r, "id"), req.Status, req.Notes, req.ResponseData)
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to update request")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(updated, "Request updated successfully"))
}

func (h *DSRHandler) ProcessRequest(w http.ResponseWriter, r *http.Request) {
	processed, err := h.dsr.Process(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to process request")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]any{"result": processed}, "Request processed"))
}

func (h *DSRHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.dsr.Stats(r.Context())
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to get stats")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(stats, "Stats retrieved successfully"))
}
