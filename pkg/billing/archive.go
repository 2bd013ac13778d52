package billing

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/platinummonkey/turnstile/pkg/observability"
	"github.com/platinummonkey/turnstile/pkg/storage"
)

// Archiver exports a closed month's usage records to the archive object
// store: one NDJSON file of raw records plus a summary object per tenant.
// Archives are write-once; a tenant whose summary object already exists is
// skipped, so the job can be re-run safely.
type Archiver struct {
	db     *sql.DB
	store  storage.ObjectStore
	logger *observability.Logger
}

// NewArchiver creates an archiver. Reads may run against a replica.
func NewArchiver(db *sql.DB, store storage.ObjectStore, logger *observability.Logger) *Archiver {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	return &Archiver{db: db, store: store, logger: logger}
}

// ArchiveSummary is the per-tenant summary object written next to the raw
// records.
type ArchiveSummary struct {
	TenantID    int64            `json:"tenant_id"`
	Period      string           `json:"period"`
	PeriodStart time.Time        `json:"period_start"`
	PeriodEnd   time.Time        `json:"period_end"`
	Records     int              `json:"records"`
	Totals      map[string]int64 `json:"totals"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// PreviousMonth returns the first instant (UTC) of the calendar month
// before the one containing now. The reconciler archives this month: it is
// the most recent one guaranteed closed.
func PreviousMonth(now time.Time) time.Time {
	now = now.UTC()
	firstOfCurrent := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return firstOfCurrent.AddDate(0, -1, 0)
}

// ArchiveMonth exports usage for the calendar month containing month, for
// every tenant that recorded usage in it. Returns the number of tenants
// archived. Tenants that fail are logged and skipped; the returned error
// reports how many failed.
func (a *Archiver) ArchiveMonth(ctx context.Context, month time.Time) (int, error) {
	start, end := monthBounds(month)
	period := start.Format("2006-01")

	tenants, err := a.tenantsWithUsage(ctx, start, end)
	if err != nil {
		return 0, fmt.Errorf("failed to list tenants with usage: %w", err)
	}

	archived := 0
	failed := 0
	for _, tenantID := range tenants {
		done, err := a.archiveTenant(ctx, tenantID, period, start, end)
		if err != nil {
			failed++
			a.logger.WithFields(map[string]interface{}{
				"tenant_id": tenantID,
				"period":    period,
			}).WithError(err).Error("usage archive failed for tenant")
			continue
		}
		if done {
			archived++
		}
	}

	a.logger.WithFields(map[string]interface{}{
		"period":   period,
		"tenants":  len(tenants),
		"archived": archived,
		"failed":   failed,
	}).Info("usage archive pass complete")

	if failed > 0 {
		return archived, fmt.Errorf("usage archive: %d of %d tenants failed", failed, len(tenants))
	}
	return archived, nil
}

func monthBounds(month time.Time) (time.Time, time.Time) {
	month = month.UTC()
	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func archiveKey(period string, tenantID int64, name string) string {
	return fmt.Sprintf("usage/%s/tenant-%d/%s", period, tenantID, name)
}

func (a *Archiver) tenantsWithUsage(ctx context.Context, start, end time.Time) ([]int64, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT DISTINCT tenant_id FROM usage_records
		 WHERE recorded_at >= $1 AND recorded_at < $2
		 ORDER BY tenant_id`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// archiveTenant writes one tenant's records and summary. Returns false
// without error when the archive already exists.
func (a *Archiver) archiveTenant(ctx context.Context, tenantID int64, period string, start, end time.Time) (bool, error) {
	summaryKey := archiveKey(period, tenantID, "summary.json")

	exists, err := a.store.ObjectExists(ctx, summaryKey)
	if err != nil {
		return false, fmt.Errorf("failed to check existing archive: %w", err)
	}
	if exists {
		a.logger.WithFields(map[string]interface{}{
			"tenant_id": tenantID,
			"period":    period,
		}).Debug("archive already present; skipping")
		return false, nil
	}

	rows, err := a.db.QueryContext(ctx,
		`SELECT `+usageColumns+` FROM usage_records
		 WHERE tenant_id = $1 AND recorded_at >= $2 AND recorded_at < $3
		 ORDER BY recorded_at, id`, tenantID, start, end)
	if err != nil {
		return false, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records bytes.Buffer
	enc := json.NewEncoder(&records)
	totals := make(map[string]int64)
	count := 0

	for rows.Next() {
		rec, err := scanUsageRecord(rows)
		if err != nil {
			return false, fmt.Errorf("failed to scan usage record: %w", err)
		}
		if err := enc.Encode(rec); err != nil {
			return false, fmt.Errorf("failed to encode usage record: %w", err)
		}
		totals[rec.Metric] += rec.Quantity
		count++
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("failed to read usage records: %w", err)
	}

	recordsKey := archiveKey(period, tenantID, "records.ndjson")
	if err := a.store.PutObject(ctx, recordsKey, &records, "application/x-ndjson"); err != nil {
		return false, fmt.Errorf("failed to write records archive: %w", err)
	}

	summary := ArchiveSummary{
		TenantID:    tenantID,
		Period:      period,
		PeriodStart: start,
		PeriodEnd:   end,
		Records:     count,
		Totals:      totals,
		GeneratedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return false, fmt.Errorf("failed to marshal summary: %w", err)
	}
	// The summary is written last: its presence marks the archive complete.
	if err := a.store.PutObject(ctx, summaryKey, bytes.NewReader(payload), "application/json"); err != nil {
		return false, fmt.Errorf("failed to write summary: %w", err)
	}

	a.logger.WithFields(map[string]interface{}{
		"tenant_id": tenantID,
		"period":    period,
		"records":   count,
	}).Info("usage archive written")

	return true, nil
}
