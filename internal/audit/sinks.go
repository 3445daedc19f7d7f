package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"trust-service/internal/models"
)

// BatchInserter is satisfied by client.ClickHouseClient.
type BatchInserter interface {
	BatchInsert(ctx context.Context, query string, data [][]any) error
}

const clickhouseInsert = "INSERT INTO audit_events (timestamp, event_type, severity, outcome, actor, details)"

// ClickHouseSink appends audit events to the audit_events table.
type ClickHouseSink struct {
	db BatchInserter
}

func NewClickHouseSink(db BatchInserter) *ClickHouseSink {
	return &ClickHouseSink{db: db}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(ctx context.Context, events []models.AuditEvent) error {
	rows := make([][]any, 0, len(events))
	for _, ev := range events {
		details, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("encode details: %w", err)
		}
		rows = append(rows, []any{
			ev.Timestamp,
			string(ev.Type),
			string(ev.Severity),
			string(ev.Outcome),
			ev.Actor,
			string(details),
		})
	}
	return s.db.BatchInsert(ctx, clickhouseInsert, rows)
}

// BulkIndexer is satisfied by client.ESClient.
type BulkIndexer interface {
	BulkIndex(ctx context.Context, index string, docs map[string]any) error
}

// ElasticsearchSink indexes audit events for full-text search.
type ElasticsearchSink struct {
	es    BulkIndexer
	index string
}

func NewElasticsearchSink(es BulkIndexer, index string) *ElasticsearchSink {
	if index == "" {
		index = "audit-events"
	}
	return &ElasticsearchSink{es: es, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, events []models.AuditEvent) error {
	docs := make(map[string]any, len(events))
	for i, ev := range events {
		docs[documentID(ev, i)] = ev
	}
	return s.es.BulkIndex(ctx, s.index, docs)
}

// documentID is deterministic so a retried batch overwrites rather than
// duplicates.
func documentID(ev models.AuditEvent, i int) string {
	return strconv.FormatInt(ev.Timestamp.UnixNano(), 10) + "-" + string(ev.Type) + "-" + strconv.Itoa(i)
}
