package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"trust-service/internal/bucketing"
	"trust-service/internal/encryption"
	"trust-service/internal/models"
	"trust-service/internal/repository"
	"trust-service/internal/util"
)

const responseDataPurpose = "dsr_response_data"

// DSRRepository stores requests with response_data sealed by the
// CryptoProvider, since exports carry the subject's full data.
type DSRRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
	crypto  encryption.CryptoProvider
}

var _ repository.DSRRepository = (*DSRRepository)(nil)

func NewDSRRepository(client *ScyllaClient, buckets *bucketing.BucketingManager, crypto encryption.CryptoProvider) *DSRRepository {
	return &DSRRepository{client: client, buckets: buckets, crypto: crypto}
}

func (r *DSRRepository) Create(ctx context.Context, req *models.DSRRequest) error {
	return r.write(ctx, req)
}

func (r *DSRRepository) Update(ctx context.Context, req *models.DSRRequest) error {
	if _, err := r.Get(ctx, req.ID); err != nil {
		return err
	}
	return r.write(ctx, req)
}

func (r *DSRRepository) write(ctx context.Context, req *models.DSRRequest) error {
	requester, err := encodeJSON(req.RequesterInfo)
	if err != nil {
		return err
	}
	details, err := encodeJSON(req.RequestDetails)
	if err != nil {
		return err
	}
	response, err := r.sealResponse(ctx, req.ResponseData)
	if err != nil {
		return err
	}

	q := r.client.Query(ctx, r.client.Stmt.InsertRequest,
		r.buckets.GetRequestBucket(req.ID), req.ID, string(req.Type), string(req.Status),
		req.CreatedAt, req.DueDate, nullableTime(req.CompletedAt),
		requester, details, response, req.Notes)

	if err := r.client.ExecuteWithRetry(q, 2); err != nil {
		util.Error("Failed to write DSR request", zap.String("request_id", req.ID), zap.Error(err))
		return fmt.Errorf("failed to write DSR request: %w", err)
	}
	return nil
}

func (r *DSRRepository) Get(ctx context.Context, id string) (*models.DSRRequest, error) {
	q := r.client.Query(ctx, r.client.Stmt.GetRequest, r.buckets.GetRequestBucket(id), id)
	var row requestRow
	if err := r.client.ScanWithRetry(q, row.dest()...); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get DSR request: %w", err)
	}
	return r.toModel(ctx, &row)
}

// List uses the status index when status is set, otherwise walks every
// bucket. Results are newest first.
func (r *DSRRepository) List(ctx context.Context, status models.DSRStatus) ([]*models.DSRRequest, error) {
	var out []*models.DSRRequest
	collect := func(iter *gocql.Iter) error {
		var row requestRow
		for iter.Scan(row.dest()...) {
			req, err := r.toModel(ctx, &row)
			if err != nil {
				_ = iter.Close()
				return err
			}
			out = append(out, req)
			row = requestRow{}
		}
		return iter.Close()
	}

	if status != "" {
		if err := collect(r.client.Query(ctx, r.client.Stmt.RequestsByStatus, string(status)).Iter()); err != nil {
			return nil, fmt.Errorf("failed to list DSR requests by status: %w", err)
		}
	} else {
		for b := 0; b < r.buckets.RequestBuckets(); b++ {
			if err := collect(r.client.Query(ctx, r.client.Stmt.RequestsInBucket, b).Iter()); err != nil {
				return nil, fmt.Errorf("failed to scan DSR bucket %d: %w", b, err)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *DSRRepository) sealResponse(ctx context.Context, data map[string]any) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	plain, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode response data: %w", err)
	}
	sealed, err := r.crypto.Encrypt(ctx, plain, responseDataPurpose)
	if err != nil {
		return "", fmt.Errorf("encrypt response data: %w", err)
	}
	return sealed.Marshal()
}

func (r *DSRRepository) openResponse(ctx context.Context, stored string) (map[string]any, error) {
	if stored == "" {
		return nil, nil
	}
	envelope, err := encryption.UnmarshalEncryptedData(stored)
	if err != nil {
		return nil, err
	}
	plain, err := r.crypto.Decrypt(ctx, envelope)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(plain, &data); err != nil {
		return nil, fmt.Errorf("decode response data: %w", err)
	}
	return data, nil
}

type requestRow struct {
	bucket      int
	id          string
	typ         string
	status      string
	createdAt   time.Time
	dueDate     time.Time
	completedAt time.Time
	requester   string
	details     string
	response    string
	notes       string
}

func (row *requestRow) dest() []any {
	return []any{
		&row.bucket, &row.id, &row.typ, &row.status, &row.createdAt, &row.dueDate, &row.completedAt,
		&row.requester, &row.details, &row.response, &row.notes,
	}
}

func (r *DSRRepository) toModel(ctx context.Context, row *requestRow) (*models.DSRRequest, error) {
	req := &models.DSRRequest{
		ID:          row.id,
		Type:        models.DSRType(row.typ),
		Status:      models.DSRStatus(row.status),
		CreatedAt:   row.createdAt.UTC(),
		DueDate:     row.dueDate.UTC(),
		CompletedAt: timePtr(row.completedAt),
		Notes:       row.notes,
	}
	if err := decodeJSON(row.requester, &req.RequesterInfo); err != nil {
		return nil, err
	}
	if err := decodeJSON(row.details, &req.RequestDetails); err != nil {
		return nil, err
	}
	response, err := r.openResponse(ctx, row.response)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", row.id, err)
	}
	req.ResponseData = response
	return req, nil
}
