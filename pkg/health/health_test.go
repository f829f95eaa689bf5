package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fetch(t *testing.T, h http.HandlerFunc, path string) (int, healthResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, http.NoBody))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var resp healthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return w.Code, resp
}

func TestStateTransitions(t *testing.T) {
	c := NewChecker()
	assert.Equal(t, "starting", c.State())
	assert.False(t, c.IsReady())

	c.SetReady()
	assert.Equal(t, "ready", c.State())
	assert.True(t, c.IsReady())

	c.SetDraining()
	assert.Equal(t, "draining", c.State())
	assert.False(t, c.IsReady())
}

func TestLivenessIgnoresState(t *testing.T) {
	c := NewChecker()
	c.AddCheck("token_store", func(context.Context) error { return errors.New("disk full") })

	for _, transition := range []func(){func() {}, c.SetReady, c.SetDraining} {
		transition()
		code, resp := fetch(t, c.LivenessHandler(), "/api/health")
		assert.Equal(t, http.StatusOK, code, c.State())
		assert.Equal(t, "ok", resp.Status)
		assert.Empty(t, resp.Checks)
	}
}

func TestReadiness(t *testing.T) {
	c := NewChecker()
	var failing error
	c.AddCheck("token_store", func(context.Context) error { return failing })

	code, resp := fetch(t, c.ReadinessHandler(), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "starting", resp.Status)
	assert.Nil(t, resp.Checks, "checks run before ready")

	c.SetReady()
	code, resp = fetch(t, c.ReadinessHandler(), "/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]string{"token_store": "ok"}, resp.Checks)

	failing = errors.New("reading token file: permission denied")
	code, resp = fetch(t, c.ReadinessHandler(), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "reading token file: permission denied", resp.Checks["token_store"])

	c.SetDraining()
	code, resp = fetch(t, c.ReadinessHandler(), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "draining", resp.Status)
}

func TestReadinessCheckHonorsTimeout(t *testing.T) {
	c := NewChecker()
	c.SetReady()
	c.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, ok := c.runChecks(ctx)
	assert.False(t, ok)
	assert.Equal(t, context.Canceled.Error(), results["slow"])
}

func TestConcurrentAccess(t *testing.T) {
	c := NewChecker()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(3)
		go func() {
			defer wg.Done()
			c.SetReady()
		}()
		go func() {
			defer wg.Done()
			c.AddCheck("token_store", func(context.Context) error { return nil })
		}()
		go func() {
			defer wg.Done()
			_ = c.IsReady()
			_, _ = c.runChecks(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, "ready", c.State())
}
