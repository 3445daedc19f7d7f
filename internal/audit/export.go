package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"trust-service/internal/models"
)

var ErrUnsupportedFormat = errors.New("unsupported export format")

const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

var csvHeader = []string{"timestamp", "type", "severity", "outcome", "actor", "details"}

// Export writes every event matching filter, newest first, as a JSON array
// or as CSV with details encoded as a JSON column.
func (t *Trail) Export(ctx context.Context, w io.Writer, filter models.AuditFilter, format string) error {
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatCSV {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	res, err := t.Query(ctx, filter)
	if err != nil {
		return err
	}

	if format == FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res.Events)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, ev := range res.Events {
		details := ""
		if len(ev.Details) > 0 {
			b, err := json.Marshal(ev.Details)
			if err != nil {
				return err
			}
			details = string(b)
		}
		record := []string{
			ev.Timestamp.UTC().Format(time.RFC3339Nano),
			string(ev.Type),
			string(ev.Severity),
			string(ev.Outcome),
			ev.Actor,
			details,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
