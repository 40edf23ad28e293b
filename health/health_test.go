package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkerFunc adapts a function to Checker
type checkerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func (c checkerFunc) Name() string {
	return c.name
}

func (c checkerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}

func staticChecker(name string, status Status) Checker {
	return checkerFunc{name, func(ctx context.Context) CheckResult {
		return CheckResult{Name: name, Status: status, Timestamp: time.Now()}
	}}
}

func TestRegistryCheck(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"no checkers", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			for i, status := range tt.statuses {
				registry.Register(staticChecker(string(rune('a'+i)), status))
			}

			report := registry.Check(context.Background())

			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.statuses))
		})
	}
}

func TestRegistryRegisterReplacesByName(t *testing.T) {
	registry := NewRegistry()
	registry.Register(staticChecker("broker", StatusUnhealthy))
	registry.Register(staticChecker("broker", StatusHealthy))

	report := registry.Check(context.Background())

	assert.Equal(t, StatusHealthy, report.Status)
	assert.Len(t, report.Checks, 1)

	registry.Unregister("broker")
	assert.Empty(t, registry.Check(context.Background()).Checks)
}

func TestRegistryCheckTimeout(t *testing.T) {
	registry := NewRegistry()
	registry.Register(checkerFunc{"slow", func(ctx context.Context) CheckResult {
		time.Sleep(200 * time.Millisecond)
		return CheckResult{Name: "slow", Status: StatusHealthy}
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	report := registry.Check(ctx)

	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "Check timed out", report.Checks["slow"].Message)
}

func TestHandler(t *testing.T) {
	t.Run("reports json with metadata", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("broker", StatusDegraded))
		registry.SetMetadata("queue", "orders")

		rec := httptest.NewRecorder()
		NewHandler(registry, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var report OverallHealth
		require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, StatusDegraded, report.Status)
		assert.Equal(t, "orders", report.Metadata["queue"])
	})

	t.Run("answers 503 when unhealthy", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("broker", StatusUnhealthy))

		rec := httptest.NewRecorder()
		NewHandler(registry, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("rejects other methods", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandler(NewRegistry(), time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestMount(t *testing.T) {
	registry := NewRegistry()
	registry.Register(staticChecker("broker", StatusUnhealthy))
	mux := http.NewServeMux()
	Mount(mux, registry)

	tests := []struct {
		path string
		code int
		body string
	}{
		{"/readyz", http.StatusServiceUnavailable, "not ready"},
		{"/livez", http.StatusOK, "alive"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.body, rec.Body.String())
		})
	}
}
