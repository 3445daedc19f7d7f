package service

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"trust-service/internal/config"
	"trust-service/internal/hashing"
	"trust-service/internal/metrics"
	"trust-service/internal/models"
	"trust-service/internal/repository"
	"trust-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// VerificationFailure explains why Verify did not succeed.
type VerificationFailure string

const (
	FailureTokenNotFound       VerificationFailure = "TOKEN_NOT_FOUND"
	FailureTokenExpired        VerificationFailure = "TOKEN_EXPIRED"
	FailureMaxAttemptsExceeded VerificationFailure = "MAX_ATTEMPTS_EXCEEDED"
	FailureInvalidCode         VerificationFailure = "INVALID_CODE"
)

const (
	codeDigits = 6
	codeSpace  = 1_000_000
	// largest multiple of codeSpace below 2^32; draws at or above are rejected
	codeCeiling = (1 << 32) / codeSpace * codeSpace
)

type VerifyResult struct {
	Verified          bool                `json:"verified"`
	Email             string              `json:"email,omitempty"`
	Failure           VerificationFailure `json:"failure,omitempty"`
	AttemptsRemaining int                 `json:"attemptsRemaining"`
}

// CodeHasher is satisfied by hashing.Hasher.
type CodeHasher interface {
	HashCode(code string) (*hashing.HashResult, error)
	VerifyCode(code string, hash *hashing.HashResult) (bool, error)
}

// RandomSource is satisfied by encryption.EncryptionManager.
type RandomSource interface {
	RandomBytes(n int) ([]byte, error)
}

// CodeSender delivers a one-time code to the requester.
type CodeSender interface {
	SendCode(ctx context.Context, email, code string, expiresAt time.Time) error
}

// LogCodeSender writes the delivery to the log. The code itself is only logged
// when revealCode is set, which the factory does in development.
type LogCodeSender struct {
	logger     *zap.Logger
	revealCode bool
}

func NewLogCodeSender(logger *zap.Logger, revealCode bool) *LogCodeSender {
	return &LogCodeSender{logger: logger, revealCode: revealCode}
}

func (s *LogCodeSender) SendCode(_ context.Context, email, code string, expiresAt time.Time) error {
	fields := []zap.Field{
		zap.String("email", util.MaskEmail(email)),
		zap.Time("expires_at", expiresAt),
	}
	if s.revealCode {
		fields = append(fields, zap.String("code", code))
	}
	s.logger.Info("Verification code issued", fields...)
	return nil
}

// IdentityVerifier issues and checks one-time email codes that gate DSR
// submission.
type IdentityVerifier struct {
	cfg     config.VerificationConfig
	tokens  repository.TokenRepository
	limiter RateLimiter
	hasher  CodeHasher
	random  RandomSource
	sender  CodeSender
	audit   AuditRecorder
	clock   util.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	locks keyedMutex
}

func NewIdentityVerifier(
	cfg config.VerificationConfig,
	tokens repository.TokenRepository,
	limiter RateLimiter,
	hasher CodeHasher,
	random RandomSource,
	sender CodeSender,
	audit AuditRecorder,
	clock util.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
) *IdentityVerifier {
	if clock == nil {
		clock = util.SystemClock{}
	}
	if logger == nil {
		logger = util.Get()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 30 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &IdentityVerifier{
		cfg:     cfg,
		tokens:  tokens,
		limiter: limiter,
		hasher:  hasher,
		random:  random,
		sender:  sender,
		audit:   audit,
		clock:   clock,
		metrics: m,
		logger:  logger,
	}
}

// RequestVerification issues a new code for email and returns the token id.
// Earlier unverified tokens for the same address are discarded. A caller over
// the per-email window gets a *RateLimitError.
func (v *IdentityVerifier) RequestVerification(ctx context.Context, email, sourceAddress string) (string, error) {
	email = util.NormalizeEmail(email)
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return "", validationError("invalid email address")
	}

	decision, err := v.limiter.Allow(ctx, email)
	if err != nil {
		v.logger.Error("Rate limiter unavailable", zap.Error(err))
		return "", fmt.Errorf("%w: rate limiter: %v", ErrPersistence, err)
	}
	if !decision.Allowed {
		v.metrics.VerificationRequested("rate_limited")
		v.audit.Append(ctx, models.AuditEvent{
			Type:     models.EventVerificationRateLimited,
			Severity: models.SeverityWarning,
			Outcome:  models.OutcomeFailure,
			Details: map[string]any{
				"email":          email,
				"count":          decision.Count,
				"limit":          decision.Limit,
				"source_address": sourceAddress,
			},
		})
		return "", &RateLimitError{RetryAfter: decision.RetryAfter}
	}

	if n, err := v.tokens.DeleteUnverifiedByEmail(ctx, email); err != nil {
		return "", fmt.Errorf("%w: discard previous tokens: %v", ErrPersistence, err)
	} else if n > 0 {
		v.logger.Debug("Discarded previous verification tokens", zap.Int("count", n))
	}

	code, err := v.generateCode()
	if err != nil {
		return "", err
	}
	hash, err := v.hasher.HashCode(code)
	if err != nil {
		return "", fmt.Errorf("hash verification code: %w", err)
	}

	now := v.clock.Now()
	token := &models.VerificationToken{
		ID:            uuid.NewString(),
		Email:         email,
		CodeHash:      hash.Hash,
		CodeSalt:      hash.Salt,
		PepperVersion: hash.PepperVersion,
		CreatedAt:     now,
		ExpiresAt:     now.Add(v.cfg.TokenTTL),
		SourceAddress: sourceAddress,
	}
	if err := v.tokens.Create(ctx, token); err != nil {
		return "", fmt.Errorf("%w: store token: %v", ErrPersistence, err)
	}

	if err := v.sender.SendCode(ctx, email, code, token.ExpiresAt); err != nil {
		v.metrics.VerificationRequested("delivery_failed")
		v.audit.Append(ctx, models.AuditEvent{
			Type:     models.EventVerificationRequested,
			Severity: models.SeverityWarning,
			Outcome:  models.OutcomeFailure,
			Details:  map[string]any{"email": email, "token_id": token.ID, "error": err.Error()},
		})
		return "", fmt.Errorf("deliver verification code: %w", err)
	}

	v.metrics.VerificationRequested("issued")
	v.audit.Append(ctx, models.AuditEvent{
		Type:    models.EventVerificationRequested,
		Outcome: models.OutcomeSuccess,
		Details: map[string]any{
			"email":          email,
			"token_id":       token.ID,
			"source_address": sourceAddress,
		},
	})
	return token.ID, nil
}

// generateCode draws a uniformly distributed six digit code.
func (v *IdentityVerifier) generateCode() (string, error) {
	for {
		b, err := v.random.RandomBytes(4)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		n := binary.BigEndian.Uint32(b)
		if uint64(n) >= codeCeiling {
			continue
		}
		return fmt.Sprintf("%0*d", codeDigits, n%codeSpace), nil
	}
}

// Verify checks code against the token. Checks run in order: unknown token,
// already verified (success, attempts untouched), expired, attempts exhausted,
// then the code itself. A mismatch consumes one attempt.
func (v *IdentityVerifier) Verify(ctx context.Context, tokenID, code string) (*VerifyResult, error) {
	unlock := v.locks.Lock(tokenID)
	defer unlock()

	token, err := v.tokens.Get(ctx, tokenID)
	if errors.Is(err, repository.ErrNotFound) {
		return v.fail(ctx, nil, tokenID, FailureTokenNotFound), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load token: %v", ErrPersistence, err)
	}

	if token.IsVerified() {
		v.metrics.VerificationAttempt("already_verified")
		v.audit.Append(ctx, models.AuditEvent{
			Type:    models.EventVerificationSucceeded,
			Outcome: models.OutcomeSuccess,
			Details: map[string]any{"email": token.Email, "token_id": token.ID, "repeat": true},
		})
		return &VerifyResult{
			Verified:          true,
			Email:             token.Email,
			AttemptsRemaining: v.remaining(token),
		}, nil
	}

	now := v.clock.Now()
	if token.IsExpired(now) {
		return v.fail(ctx, token, tokenID, FailureTokenExpired), nil
	}
	if token.Attempts >= v.cfg.MaxAttempts {
		return v.fail(ctx, token, tokenID, FailureMaxAttemptsExceeded), nil
	}

	ok, err := v.hasher.VerifyCode(code, &hashing.HashResult{
		Hash:          token.CodeHash,
		Salt:          token.CodeSalt,
		PepperVersion: token.PepperVersion,
	})
	if err != nil {
		// a retired pepper can never match again
		v.logger.Warn("Verification code could not be checked", zap.String("token_id", tokenID), zap.Error(err))
		ok = false
	}

	if !ok {
		token.Attempts++
		if err := v.tokens.Update(ctx, token); err != nil {
			return nil, fmt.Errorf("%w: record attempt: %v", ErrPersistence, err)
		}
		return v.fail(ctx, token, tokenID, FailureInvalidCode), nil
	}

	token.VerifiedAt = &now
	if err := v.tokens.Update(ctx, token); err != nil {
		return nil, fmt.Errorf("%w: mark verified: %v", ErrPersistence, err)
	}

	v.metrics.VerificationAttempt("verified")
	v.audit.Append(ctx, models.AuditEvent{
		Type:    models.EventVerificationSucceeded,
		Outcome: models.OutcomeSuccess,
		Details: map[string]any{"email": token.Email, "token_id": token.ID, "attempts": token.Attempts + 1},
	})
	return &VerifyResult{
		Verified:          true,
		Email:             token.Email,
		AttemptsRemaining: v.remaining(token),
	}, nil
}

func (v *IdentityVerifier) fail(ctx context.Context, token *models.VerificationToken, tokenID string, reason VerificationFailure) *VerifyResult {
	v.metrics.VerificationAttempt(string(reason))

	details := map[string]any{"token_id": tokenID, "reason": string(reason)}
	res := &VerifyResult{Failure: reason}
	if token != nil {
		details["email"] = token.Email
		details["attempts"] = token.Attempts
		res.AttemptsRemaining = v.remaining(token)
	}
	v.audit.Append(ctx, models.AuditEvent{
		Type:     models.EventVerificationFailed,
		Severity: models.SeverityWarning,
		Outcome:  models.OutcomeFailure,
		Details:  details,
	})
	return res
}

func (v *IdentityVerifier) remaining(token *models.VerificationToken) int {
	return max(v.cfg.MaxAttempts-token.Attempts, 0)
}

// RequireVerified succeeds when tokenID was verified for email within the last
// token TTL and has not yet been used for a request. It does not spend the token.
func (v *IdentityVerifier) RequireVerified(ctx context.Context, tokenID, email string) error {
	_, err := v.loadSpendable(ctx, tokenID, email)
	return err
}

func (v *IdentityVerifier) loadSpendable(ctx context.Context, tokenID, email string) (*models.VerificationToken, error) {
	token, err := v.tokens.Get(ctx, tokenID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotVerified
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load token: %v", ErrPersistence, err)
	}
	switch {
	case !token.IsVerified():
		return nil, ErrNotVerified
	case token.Email != util.NormalizeEmail(email):
		return nil, ErrNotVerified
	case token.RelatedRequestID != "":
		return nil, fmt.Errorf("%w: token already used", ErrNotVerified)
	case v.clock.Now().After(token.VerifiedAt.Add(v.cfg.TokenTTL)):
		return nil, fmt.Errorf("%w: verification expired", ErrNotVerified)
	}
	return token, nil
}

// ConsumeVerified spends a verified token on requestID. Of any number of
// concurrent callers holding the same token, exactly one succeeds.
func (v *IdentityVerifier) ConsumeVerified(ctx context.Context, tokenID, email, requestID string) error {
	unlock := v.locks.Lock(tokenID)
	defer unlock()

	if _, err := v.loadSpendable(ctx, tokenID, email); err != nil {
		return err
	}
	// The store-level swap covers other instances sharing the token store.
	err := v.tokens.SwapRelatedRequest(ctx, tokenID, "", requestID)
	switch {
	case errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%w: token already used", ErrNotVerified)
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotVerified
	case err != nil:
		return fmt.Errorf("%w: consume token: %v", ErrPersistence, err)
	}
	return nil
}

// ReleaseToken undoes ConsumeVerified when the request it was spent on could
// not be created. A token already bound to another request is left alone.
func (v *IdentityVerifier) ReleaseToken(ctx context.Context, tokenID, requestID string) error {
	unlock := v.locks.Lock(tokenID)
	defer unlock()

	err := v.tokens.SwapRelatedRequest(ctx, tokenID, requestID, "")
	if err != nil && !errors.Is(err, repository.ErrConflict) && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: release token: %v", ErrPersistence, err)
	}
	return nil
}

// SweepExpired deletes tokens whose expiry passed more than one TTL ago, which
// leaves verified tokens spendable until they lapse.
func (v *IdentityVerifier) SweepExpired(ctx context.Context) (int, error) {
	n, err := v.tokens.DeleteExpired(ctx, v.clock.Now().Add(-v.cfg.TokenTTL))
	if err != nil {
		return 0, fmt.Errorf("%w: sweep tokens: %v", ErrPersistence, err)
	}
	if n > 0 {
		v.logger.Info("Swept expired verification tokens", zap.Int("count", n))
	}
	return n, nil
}
