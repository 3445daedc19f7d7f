// Package audit implements the append-only audit trail: newline-delimited
// JSON events in a size-rotated active file, with query, stats, retention
// cleanup and export over the whole set of files.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"trust-service/internal/config"
	"trust-service/internal/metrics"
	"trust-service/internal/models"
	"trust-service/internal/util"

	"go.uber.org/zap"
)

const (
	activeFileName  = "audit.log"
	rotatedPrefix   = "audit-"
	rotatedSuffix   = ".log"
	rotationLayout  = "2006-01-02T15-04-05.000Z"
	defaultMaxBytes = 10 * 1024 * 1024
)

// Trail is safe for concurrent use. Appends are serialized so the log has a
// single total order.
type Trail struct {
	dir        string
	activePath string
	maxBytes   int64
	clock      util.Clock
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu   sync.Mutex // guards file, size
	file *os.File
	size int64

	// rotMu is held exclusively while a file is renamed and shared by
	// readers, so a scan never misses the file being rotated.
	rotMu sync.RWMutex

	mirror *Mirror
}

// NewTrail opens (creating if needed) the audit directory and active file.
// Failure here is the one audit error callers must treat as fatal.
func NewTrail(cfg config.AuditConfig, clock util.Clock, m *metrics.Metrics, logger *zap.Logger) (*Trail, error) {
	if clock == nil {
		clock = util.SystemClock{}
	}
	if logger == nil {
		logger = util.Get()
	}
	maxBytes := cfg.MaxFileSizeBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	t := &Trail{
		dir:        cfg.Dir,
		activePath: filepath.Join(cfg.Dir, activeFileName),
		maxBytes:   maxBytes,
		clock:      clock,
		metrics:    m,
		logger:     logger,
	}
	if err := t.openActive(); err != nil {
		return nil, err
	}
	return t, nil
}

// AttachMirror forwards every successfully written event to m.
func (t *Trail) AttachMirror(m *Mirror) {
	t.mu.Lock()
	t.mirror = m
	t.mu.Unlock()
}

func (t *Trail) openActive() error {
	f, err := os.OpenFile(t.activePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	t.file = f
	t.size = info.Size()
	return nil
}

// Append writes one event. Missing timestamp, severity and outcome are filled
// in and details are redacted. Write failures are logged and counted, never
// returned.
func (t *Trail) Append(ctx context.Context, event models.AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = t.clock.Now()
	}
	event.Timestamp = event.Timestamp.UTC()
	if event.Severity == "" {
		event.Severity = models.SeverityInfo
	}
	if event.Outcome == "" {
		event.Outcome = models.OutcomeSuccess
	}
	event.Details = util.RedactDetails(event.Details)

	line, err := json.Marshal(event)
	if err != nil {
		t.fail("Failed to encode audit event", err, event.Type)
		return
	}
	line = append(line, '\n')

	t.mu.Lock()
	err = t.writeLocked(line)
	mirror := t.mirror
	t.mu.Unlock()

	if err != nil {
		t.fail("Failed to write audit event", err, event.Type)
		return
	}
	t.metrics.AuditWritten(string(event.Type))
	if mirror != nil {
		mirror.Enqueue(event)
	}
}

func (t *Trail) writeLocked(line []byte) error {
	if t.file == nil {
		if err := t.openActive(); err != nil {
			return err
		}
	}
	if t.size > 0 && t.size+int64(len(line)) > t.maxBytes {
		if err := t.rotateLocked(); err != nil {
			// keep appending to the current file rather than dropping events
			t.logger.Error("Audit log rotation failed", zap.Error(err))
		}
	}
	n, err := t.file.Write(line)
	t.size += int64(n)
	return err
}

func (t *Trail) rotateLocked() error {
	t.rotMu.Lock()
	defer t.rotMu.Unlock()

	if err := t.file.Close(); err != nil {
		t.logger.Warn("Closing audit log before rotation", zap.Error(err))
	}
	t.file = nil

	target := t.rotatedName(t.clock.Now())
	renameErr := os.Rename(t.activePath, target)
	if err := t.openActive(); err != nil {
		return errors.Join(renameErr, err)
	}
	if renameErr != nil {
		return fmt.Errorf("rename audit log: %w", renameErr)
	}

	t.metrics.AuditRotated()
	t.logger.Info("Audit log rotated", zap.String("file", filepath.Base(target)))
	return nil
}

// rotatedName picks audit-<ts>.log, or audit-<ts>-N.log if that name is taken.
func (t *Trail) rotatedName(now time.Time) string {
	stamp := now.UTC().Format(rotationLayout)
	name := filepath.Join(t.dir, rotatedPrefix+stamp+rotatedSuffix)
	for i := 1; fileExists(name); i++ {
		name = filepath.Join(t.dir, fmt.Sprintf("%s%s-%d%s", rotatedPrefix, stamp, i, rotatedSuffix))
	}
	return name
}

func (t *Trail) fail(msg string, err error, eventType models.AuditEventType) {
	t.metrics.AuditFailed()
	t.logger.Error(msg, zap.Error(err), zap.String("event_type", string(eventType)))
}

// Close flushes the mirror and closes the active file.
func (t *Trail) Close() error {
	t.mu.Lock()
	mirror := t.mirror
	t.mirror = nil
	var err error
	if t.file != nil {
		err = t.file.Close()
		t.file = nil
	}
	t.mu.Unlock()

	if mirror != nil {
		mirror.Close()
	}
	return err
}

type rotatedFile struct {
	path  string
	stamp string
	seq   int
}

// listRotated returns rotated files oldest first.
func (t *Trail) listRotated() ([]rotatedFile, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, err
	}
	var files []rotatedFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if rf, ok := parseRotatedName(e.Name()); ok {
			rf.path = filepath.Join(t.dir, e.Name())
			files = append(files, rf)
		}
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].stamp != files[j].stamp {
			return files[i].stamp < files[j].stamp
		}
		return files[i].seq < files[j].seq
	})
	return files, nil
}

func parseRotatedName(name string) (rotatedFile, bool) {
	if name == activeFileName || !strings.HasPrefix(name, rotatedPrefix) || !strings.HasSuffix(name, rotatedSuffix) {
		return rotatedFile{}, false
	}
	core := strings.TrimSuffix(strings.TrimPrefix(name, rotatedPrefix), rotatedSuffix)
	idx := strings.LastIndex(core, "Z")
	if idx < 0 {
		return rotatedFile{}, false
	}
	stamp, rest := core[:idx+1], core[idx+1:]
	if _, err := time.Parse(rotationLayout, stamp); err != nil {
		return rotatedFile{}, false
	}
	seq := 0
	if rest != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(rest, "-"))
		if err != nil || !strings.HasPrefix(rest, "-") {
			return rotatedFile{}, false
		}
		seq = n
	}
	return rotatedFile{stamp: stamp, seq: seq}, true
}

// scan calls fn for every parsable event in write order. Malformed lines are
// skipped.
func (t *Trail) scan(ctx context.Context, fn func(models.AuditEvent)) error {
	t.rotMu.RLock()
	defer t.rotMu.RUnlock()

	rotated, err := t.listRotated()
	if err != nil {
		return fmt.Errorf("list audit files: %w", err)
	}
	paths := make([]string, 0, len(rotated)+1)
	for _, rf := range rotated {
		paths = append(paths, rf.path)
	}
	paths = append(paths, t.activePath)

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.scanFile(p, fn); err != nil {
			t.logger.Warn("Skipping unreadable audit file", zap.String("file", filepath.Base(p)), zap.Error(err))
		}
	}
	return nil
}

func (t *Trail) scanFile(path string, fn func(models.AuditEvent)) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	skipped := 0
	for {
		line, err := r.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var ev models.AuditEvent
			if jerr := json.Unmarshal(trimmed, &ev); jerr != nil || ev.Type == "" {
				skipped++
			} else {
				fn(ev)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if skipped > 0 {
		t.logger.Debug("Skipped malformed audit lines", zap.String("file", filepath.Base(path)), zap.Int("count", skipped))
	}
	return nil
}

// Query returns events matching filter, newest first, paginated. Total is the
// match count before pagination.
func (t *Trail) Query(ctx context.Context, filter models.AuditFilter) (*models.AuditQueryResult, error) {
	type seqEvent struct {
		ev  models.AuditEvent
		seq int
	}
	var matched []seqEvent
	seq := 0
	search := strings.ToLower(strings.TrimSpace(filter.SearchTerm))

	err := t.scan(ctx, func(ev models.AuditEvent) {
		seq++
		if matches(ev, filter, search) {
			matched = append(matched, seqEvent{ev: ev, seq: seq})
		}
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].ev.Timestamp.Equal(matched[j].ev.Timestamp) {
			return matched[i].ev.Timestamp.After(matched[j].ev.Timestamp)
		}
		return matched[i].seq > matched[j].seq
	})

	total := len(matched)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}

	events := make([]models.AuditEvent, 0, end-start)
	for _, m := range matched[start:end] {
		events = append(events, m.ev)
	}
	return &models.AuditQueryResult{Events: events, Total: total}, nil
}

func matches(ev models.AuditEvent, f models.AuditFilter, search string) bool {
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.Outcome != "" && ev.Outcome != f.Outcome {
		return false
	}
	if f.Severity != "" && ev.Severity != f.Severity {
		return false
	}
	if f.Start != nil && ev.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && ev.Timestamp.After(*f.End) {
		return false
	}
	if search != "" {
		details, _ := json.Marshal(ev.Details)
		haystack := strings.ToLower(string(details) + " " + string(ev.Type))
		if !strings.Contains(haystack, search) {
			return false
		}
	}
	return true
}

// Stats counts every event in one pass.
func (t *Trail) Stats(ctx context.Context) (*models.AuditStats, error) {
	stats := &models.AuditStats{
		ByType:     map[models.AuditEventType]int{},
		BySeverity: map[models.Severity]int{},
		ByOutcome:  map[models.Outcome]int{},
	}
	since := t.clock.Now().Add(-24 * time.Hour)

	err := t.scan(ctx, func(ev models.AuditEvent) {
		stats.Total++
		stats.ByType[ev.Type]++
		stats.BySeverity[ev.Severity]++
		stats.ByOutcome[ev.Outcome]++
		if ev.Outcome == models.OutcomeFailure && !ev.Timestamp.Before(since) {
			stats.RecentFailures++
		}
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Cleanup removes rotated files last modified before the retention window.
// The active file is never removed. Failures are logged; the number of files
// removed is returned.
func (t *Trail) Cleanup(ctx context.Context, retentionDays int) int {
	if retentionDays <= 0 {
		return 0
	}
	cutoff := t.clock.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	t.rotMu.Lock()
	defer t.rotMu.Unlock()

	rotated, err := t.listRotated()
	if err != nil {
		t.logger.Error("Audit cleanup could not list files", zap.Error(err))
		return 0
	}

	removed := 0
	for _, rf := range rotated {
		if ctx.Err() != nil {
			break
		}
		info, err := os.Stat(rf.path)
		if err != nil {
			t.logger.Warn("Audit cleanup stat failed", zap.String("file", filepath.Base(rf.path)), zap.Error(err))
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(rf.path); err != nil {
			t.logger.Error("Audit cleanup remove failed", zap.String("file", filepath.Base(rf.path)), zap.Error(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		t.metrics.AuditFilesCleaned(removed)
		t.logger.Info("Audit cleanup removed rotated files",
			zap.Int("removed", removed),
			zap.Int("retention_days", retentionDays),
		)
	}
	return removed
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
