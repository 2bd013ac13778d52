package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func TestNewHealthChecker(t *testing.T) {
	t.Run("with nil dependencies", func(t *testing.T) {
		checker := NewHealthChecker(nil, nil, "")
		if checker == nil {
			t.Fatal("Expected non-nil checker")
		}
		if checker.db != nil {
			t.Error("Expected nil db")
		}
		if checker.redis != nil {
			t.Error("Expected nil redis")
		}
	})

	t.Run("with database", func(t *testing.T) {
		db, _, err := sqlmock.New()
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		checker := NewHealthChecker(db, nil, "v1.2.3")
		if checker.db == nil {
			t.Error("Expected non-nil db")
		}
		if checker.version != "v1.2.3" {
			t.Errorf("Expected version v1.2.3, got %s", checker.version)
		}
	})
}

func TestHealthChecker_Liveness(t *testing.T) {
	checker := NewHealthChecker(nil, nil, "")

	req := httptest.NewRequest("GET", "/health/live", nil)
	rec := httptest.NewRecorder()

	checker.Liveness(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if body["status"] != StatusHealthy {
		t.Errorf("Expected status %q, got %v", StatusHealthy, body["status"])
	}
}

func TestHealthChecker_Readiness(t *testing.T) {
	t.Run("healthy database returns 200", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

		checker := NewHealthChecker(db, nil, "v1.0.0")

		req := httptest.NewRequest("GET", "/health/ready", nil)
		rec := httptest.NewRecorder()

		checker.Readiness(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", rec.Code)
		}

		var status HealthStatus
		if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
			t.Fatalf("Failed to unmarshal response: %v", err)
		}
		if status.Status != StatusHealthy {
			t.Errorf("Expected status %q, got %q", StatusHealthy, status.Status)
		}
		if status.Version != "v1.0.0" {
			t.Errorf("Expected version v1.0.0, got %q", status.Version)
		}
	})

	t.Run("unhealthy database returns 503", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		checker := NewHealthChecker(db, nil, "")

		req := httptest.NewRequest("GET", "/health/ready", nil)
		rec := httptest.NewRecorder()

		checker.Readiness(rec, req)

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected status 503, got %d", rec.Code)
		}
	})

	t.Run("dead redis degrades but still returns 200", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("Failed to start miniredis: %v", err)
		}
		redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer redisClient.Close()
		mr.Close()

		checker := NewHealthChecker(db, redisClient, "")

		req := httptest.NewRequest("GET", "/health/ready", nil)
		rec := httptest.NewRecorder()

		checker.Readiness(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", rec.Code)
		}

		var status HealthStatus
		if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
			t.Fatalf("Failed to unmarshal response: %v", err)
		}
		if status.Status != StatusDegraded {
			t.Errorf("Expected status %q, got %q", StatusDegraded, status.Status)
		}
	})
}

func TestHealthChecker_Check(t *testing.T) {
	t.Run("all dependencies healthy", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("Failed to start miniredis: %v", err)
		}
		defer mr.Close()
		redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer redisClient.Close()

		checker := NewHealthChecker(db, redisClient, "")
		status := checker.Check(context.Background())

		if status.Status != StatusHealthy {
			t.Errorf("Expected status %q, got %q", StatusHealthy, status.Status)
		}
		if _, ok := status.Dependencies["database"]; !ok {
			t.Error("Expected database dependency in report")
		}
		if _, ok := status.Dependencies["redis"]; !ok {
			t.Error("Expected redis dependency in report")
		}
	})

	t.Run("failing extra check degrades", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

		checker := NewHealthChecker(db, nil, "")
		checker.AddCheck("archive_store", func(ctx context.Context) error {
			return errors.New("bucket unreachable")
		})

		status := checker.Check(context.Background())

		if status.Status != StatusDegraded {
			t.Errorf("Expected status %q, got %q", StatusDegraded, status.Status)
		}

		dep, ok := status.Dependencies["archive_store"]
		if !ok {
			t.Fatal("Expected archive_store dependency in report")
		}
		if dep.Status != StatusUnhealthy {
			t.Errorf("Expected dependency status %q, got %q", StatusUnhealthy, dep.Status)
		}
		if dep.Message != "bucket unreachable" {
			t.Errorf("Expected failure message, got %q", dep.Message)
		}
	})

	t.Run("passing extra check stays healthy", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

		checker := NewHealthChecker(db, nil, "")
		checker.AddCheck("archive_store", func(ctx context.Context) error { return nil })

		status := checker.Check(context.Background())

		if status.Status != StatusHealthy {
			t.Errorf("Expected status %q, got %q", StatusHealthy, status.Status)
		}
	})

	t.Run("unhealthy database dominates degraded redis", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("Failed to start miniredis: %v", err)
		}
		redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer redisClient.Close()
		mr.Close()

		checker := NewHealthChecker(db, redisClient, "")
		status := checker.Check(context.Background())

		if status.Status != StatusUnhealthy {
			t.Errorf("Expected status %q, got %q", StatusUnhealthy, status.Status)
		}
	})
}

func TestHealthChecker_checkDatabase(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

		checker := NewHealthChecker(db, nil, "")
		status := checker.checkDatabase(context.Background())

		if status.Status != StatusHealthy {
			t.Errorf("Expected status %q, got %q", StatusHealthy, status.Status)
		}
	})

	t.Run("ping fails", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing().WillReturnError(errors.New("network down"))

		checker := NewHealthChecker(db, nil, "")
		status := checker.checkDatabase(context.Background())

		if status.Status != StatusUnhealthy {
			t.Errorf("Expected status %q, got %q", StatusUnhealthy, status.Status)
		}
		if status.Message != "network down" {
			t.Errorf("Expected ping error message, got %q", status.Message)
		}
	})

	t.Run("query fails", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("permission denied"))

		checker := NewHealthChecker(db, nil, "")
		status := checker.checkDatabase(context.Background())

		if status.Status != StatusUnhealthy {
			t.Errorf("Expected status %q, got %q", StatusUnhealthy, status.Status)
		}
	})
}

func TestHealthChecker_checkRedis(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("Failed to start miniredis: %v", err)
		}
		defer mr.Close()

		redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer redisClient.Close()

		checker := NewHealthChecker(nil, redisClient, "")
		status := checker.checkRedis(context.Background())

		if status.Status != StatusHealthy {
			t.Errorf("Expected status %q, got %q", StatusHealthy, status.Status)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("Failed to start miniredis: %v", err)
		}
		redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer redisClient.Close()
		mr.Close()

		checker := NewHealthChecker(nil, redisClient, "")
		status := checker.checkRedis(context.Background())

		if status.Status != StatusUnhealthy {
			t.Errorf("Expected status %q, got %q", StatusUnhealthy, status.Status)
		}
		if status.Message == "" {
			t.Error("Expected failure message")
		}
	})
}

func TestRegisterHealthRoutes(t *testing.T) {
	checker := NewHealthChecker(nil, nil, "")
	mux := http.NewServeMux()
	RegisterHealthRoutes(mux, checker)

	req := httptest.NewRequest("GET", "/health/live", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200 from /health/live, got %d", rec.Code)
	}
}
