//go:build integration

package integration

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/turnstile/pkg/api"
	"github.com/platinummonkey/turnstile/pkg/billing"
	"github.com/platinummonkey/turnstile/pkg/observability"
	"github.com/platinummonkey/turnstile/pkg/processor"
)

const cleanupTimeout = 30 * time.Second

// SetupPostgresContainer starts a PostgreSQL test container, connects to it
// and applies the schema migrations.
//
// Usage:
//
//	db, cleanup := SetupPostgresContainer(t)
//	defer cleanup()
//
// The cleanup function closes the connection and terminates the container
// with a fresh context, so a cancelled test context cannot leak containers.
func SetupPostgresContainer(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	ctx := context.Background()

	// Check if Docker/Podman is available
	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	defer provider.Close()

	postgresContainer, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("turnstile_test"),
		postgres.WithUsername("turnstile"),
		postgres.WithPassword("turnstile_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		postgres.BasicWaitStrategies(),
		// AutoRemove ensures the container and its volumes are removed on
		// termination.
		testcontainers.CustomizeRequest(testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				AutoRemove: true,
			},
		}),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	require.NoError(t, db.Ping())

	require.NoError(t, billing.RunMigrations(ctx, db), "Failed to run migrations")

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close database: %v", err)
		}

		// A fresh context: the test's own context may already be cancelled
		// by the time cleanup runs.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		if err := postgresContainer.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	}

	return db, cleanup
}

// testEngine is a fully wired billing engine on a real database, with the
// in-memory mock standing in for the payment processor. The HTTP server
// carries the production middleware stack.
type testEngine struct {
	db        *sql.DB
	proc      *processor.MockProcessor
	logger    *observability.Logger
	catalog   billing.PlanCatalog
	customers billing.CustomerDirectory
	methods   billing.PaymentMethodRegistry
	meter     billing.UsageMeter
	lifecycle billing.LifecycleManager
	server    *httptest.Server
}

func newTestEngine(t *testing.T, db *sql.DB) *testEngine {
	t.Helper()

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	proc := processor.NewMockProcessor()

	catalog := billing.NewPostgresPlanCatalog(db)
	customers := billing.NewPostgresCustomerDirectory(db, proc)
	methods := billing.NewPostgresPaymentMethodRegistry(db, customers, proc, logger, nil)

	services := api.Services{
		Plans:          catalog,
		Lifecycle:      billing.NewPostgresLifecycleManager(db, catalog, customers, proc, logger, nil),
		PaymentMethods: methods,
		Usage:          billing.NewPostgresUsageMeter(db, catalog, proc, logger, nil),
		Webhooks:       billing.NewReconciler(db, catalog, customers, methods, proc, logger, nil),
	}

	server := httptest.NewServer(api.NewServer(services, logger, nil))
	t.Cleanup(server.Close)

	return &testEngine{
		db:        db,
		proc:      proc,
		logger:    logger,
		catalog:   catalog,
		customers: customers,
		methods:   methods,
		meter:     services.Usage,
		lifecycle: services.Lifecycle,
		server:    server,
	}
}

// request issues one HTTP request against the engine and returns the
// response with its body already read.
func (e *testEngine) request(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

// requestJSON issues a request and decodes the response body into out when
// out is non-nil. Returns the status code.
func (e *testEngine) requestJSON(t *testing.T, method, path string, body, out interface{}) int {
	t.Helper()

	resp, data := e.request(t, method, path, body)
	if out != nil && len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, out), "response body: %s", data)
	}
	return resp.StatusCode
}

// postWebhook delivers a processor event to the webhook endpoint the way the
// processor would: JSON payload plus a signature header.
func (e *testEngine) postWebhook(t *testing.T, event *processor.Event) int {
	t.Helper()

	payload, err := json.Marshal(event)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/api/v1/billing/webhook", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Stripe-Signature", "t=integration,v1=accepted")

	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

// seedPlan creates an active monthly plan in the catalog.
func seedPlan(t *testing.T, catalog billing.PlanCatalog, code, priceRef string, limits map[string]int64) *billing.Plan {
	t.Helper()

	plan, err := catalog.CreatePlan(context.Background(), &billing.Plan{
		Code:             code,
		Name:             "Plan " + code,
		ProcessorPriceID: priceRef,
		AmountCents:      2900,
		Currency:         "usd",
		Interval:         billing.IntervalMonth,
		Features:         map[string]bool{"api_access": true},
		Limits:           limits,
		Active:           true,
	})
	require.NoError(t, err)
	return plan
}
