package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/turnstile/pkg/storage"
)

func TestPreviousMonth(t *testing.T) {
	t.Run("mid month", func(t *testing.T) {
		now := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
		got := PreviousMonth(now)
		assert.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), got)
	})

	t.Run("january wraps to december", func(t *testing.T) {
		now := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)
		got := PreviousMonth(now)
		assert.Equal(t, time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC), got)
	})

	t.Run("non-UTC input normalized", func(t *testing.T) {
		loc := time.FixedZone("UTC+9", 9*3600)
		now := time.Date(2026, 8, 1, 1, 0, 0, 0, loc) // still July 31 in UTC
		got := PreviousMonth(now)
		assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), got)
	})
}

func newArchiveTestStore(t *testing.T) storage.ObjectStore {
	t.Helper()
	store, err := storage.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func archivedObject(t *testing.T, store storage.ObjectStore, key string) []byte {
	t.Helper()
	rc, err := store.GetObject(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestArchiveMonth(t *testing.T) {
	ctx := context.Background()
	month := time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC)
	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	t.Run("exports records and summary per tenant", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		store := newArchiveTestStore(t)
		archiver := NewArchiver(db, store, nil)

		recordedAt := start.Add(36 * time.Hour)

		mock.ExpectQuery("SELECT DISTINCT tenant_id FROM usage_records").
			WithArgs(start, end).
			WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow(int64(42)))

		mock.ExpectQuery("SELECT id, tenant_id, subscription_id, metric, quantity, recorded_at").
			WithArgs(int64(42), start, end).
			WillReturnRows(sqlmock.NewRows(usageTestColumns).
				AddRow("rec-1", int64(42), int64(10), "api_calls", int64(120), recordedAt,
					nil, "key-1", "forwarded", 1, nil, recordedAt, "key-1", recordedAt).
				AddRow("rec-2", int64(42), int64(10), "api_calls", int64(55), recordedAt.Add(time.Hour),
					nil, "key-2", "forwarded", 1, nil, recordedAt, "key-2", recordedAt).
				AddRow("rec-3", int64(42), nil, "storage_gb", int64(3), recordedAt.Add(2*time.Hour),
					nil, "key-3", "skipped", 0, nil, nil, "", recordedAt))

		archived, err := archiver.ArchiveMonth(ctx, month)
		require.NoError(t, err)
		assert.Equal(t, 1, archived)
		assert.NoError(t, mock.ExpectationsWereMet())

		records := archivedObject(t, store, "usage/2026-07/tenant-42/records.ndjson")
		lines := bytes.Split(bytes.TrimSpace(records), []byte("\n"))
		require.Len(t, lines, 3)

		var first UsageRecord
		require.NoError(t, json.Unmarshal(lines[0], &first))
		assert.Equal(t, "rec-1", first.ID)
		assert.Equal(t, "api_calls", first.Metric)
		assert.Equal(t, int64(120), first.Quantity)

		var summary ArchiveSummary
		require.NoError(t, json.Unmarshal(archivedObject(t, store, "usage/2026-07/tenant-42/summary.json"), &summary))
		assert.Equal(t, int64(42), summary.TenantID)
		assert.Equal(t, "2026-07", summary.Period)
		assert.True(t, summary.PeriodStart.Equal(start))
		assert.True(t, summary.PeriodEnd.Equal(end))
		assert.Equal(t, 3, summary.Records)
		assert.Equal(t, int64(175), summary.Totals["api_calls"])
		assert.Equal(t, int64(3), summary.Totals["storage_gb"])
		assert.False(t, summary.GeneratedAt.IsZero())
	})

	t.Run("skips tenants already archived", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		store := newArchiveTestStore(t)
		archiver := NewArchiver(db, store, nil)

		// Tenant 42's summary marker is already in place.
		require.NoError(t, store.PutObject(ctx,
			"usage/2026-07/tenant-42/summary.json",
			strings.NewReader(`{"tenant_id":42}`), "application/json"))

		mock.ExpectQuery("SELECT DISTINCT tenant_id FROM usage_records").
			WithArgs(start, end).
			WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).
				AddRow(int64(42)).
				AddRow(int64(77)))

		mock.ExpectQuery("SELECT id, tenant_id, subscription_id, metric, quantity, recorded_at").
			WithArgs(int64(77), start, end).
			WillReturnRows(sqlmock.NewRows(usageTestColumns).
				AddRow("rec-9", int64(77), nil, "api_calls", int64(9), start.Add(time.Hour),
					nil, "key-9", "skipped", 0, nil, nil, "", start.Add(time.Hour)))

		archived, err := archiver.ArchiveMonth(ctx, month)
		require.NoError(t, err)
		assert.Equal(t, 1, archived)
		assert.NoError(t, mock.ExpectationsWereMet())

		// The pre-existing marker was not overwritten.
		var summary ArchiveSummary
		require.NoError(t, json.Unmarshal(archivedObject(t, store, "usage/2026-07/tenant-42/summary.json"), &summary))
		assert.Zero(t, summary.Records)
	})

	t.Run("no usage in the month", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		store := newArchiveTestStore(t)
		archiver := NewArchiver(db, store, nil)

		mock.ExpectQuery("SELECT DISTINCT tenant_id FROM usage_records").
			WithArgs(start, end).
			WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}))

		archived, err := archiver.ArchiveMonth(ctx, month)
		require.NoError(t, err)
		assert.Zero(t, archived)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("one failing tenant does not stop the pass", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		store := newArchiveTestStore(t)
		archiver := NewArchiver(db, store, nil)

		mock.ExpectQuery("SELECT DISTINCT tenant_id FROM usage_records").
			WithArgs(start, end).
			WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).
				AddRow(int64(1)).
				AddRow(int64(2)))

		mock.ExpectQuery("SELECT id, tenant_id, subscription_id, metric, quantity, recorded_at").
			WithArgs(int64(1), start, end).
			WillReturnError(errors.New("replica gone"))

		mock.ExpectQuery("SELECT id, tenant_id, subscription_id, metric, quantity, recorded_at").
			WithArgs(int64(2), start, end).
			WillReturnRows(sqlmock.NewRows(usageTestColumns).
				AddRow("rec-5", int64(2), nil, "api_calls", int64(4), start.Add(time.Hour),
					nil, "key-5", "skipped", 0, nil, nil, "", start.Add(time.Hour)))

		archived, err := archiver.ArchiveMonth(ctx, month)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "1 of 2 tenants failed")
		assert.Equal(t, 1, archived)
		assert.NoError(t, mock.ExpectationsWereMet())

		// Tenant 2's archive still landed.
		assert.NotEmpty(t, archivedObject(t, store, "usage/2026-07/tenant-2/summary.json"))
	})

	t.Run("list query failure aborts", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		archiver := NewArchiver(db, newArchiveTestStore(t), nil)

		mock.ExpectQuery("SELECT DISTINCT tenant_id FROM usage_records").
			WillReturnError(errors.New("connection refused"))

		_, err = archiver.ArchiveMonth(ctx, month)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to list tenants with usage")
	})
}
