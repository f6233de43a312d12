// ABOUTME: Contract tests for the HTTP route surface to detect breaking API changes
// ABOUTME: Every documented route must reach the workspace guard rather than the mux's 404/405

package contract

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-concierge/internal/api"
	"github.com/2389/coven-concierge/internal/notify"
)

// expectedRoutes is the public API. The workspace in each path is not
// configured, so a registered route answers with the JSON workspace error
// while a missing one falls through to the mux.
var expectedRoutes = []struct {
	method string
	path   string
}{
	{http.MethodPost, "/api/v1/workspaces/unconfigured/events"},
	{http.MethodGet, "/api/v1/workspaces/unconfigured/queue"},
	{http.MethodGet, "/api/v1/workspaces/unconfigured/queue/q1"},
	{http.MethodPost, "/api/v1/workspaces/unconfigured/queue/q1/claim"},
	{http.MethodPost, "/api/v1/workspaces/unconfigured/queue/q1/renew"},
	{http.MethodPost, "/api/v1/workspaces/unconfigured/queue/q1/release"},
	{http.MethodPost, "/api/v1/workspaces/unconfigured/queue/q1/resolve"},
	{http.MethodPost, "/api/v1/workspaces/unconfigured/queue/q1/cancel"},
	{http.MethodPost, "/api/v1/workspaces/unconfigured/queue/q1/reply"},
	{http.MethodGet, "/api/v1/workspaces/unconfigured/customers/c1/state"},
	{http.MethodPost, "/api/v1/workspaces/unconfigured/customers/c1/reset"},
	{http.MethodGet, "/api/v1/workspaces/unconfigured/customers/c1/interactions"},
	{http.MethodGet, "/api/v1/workspaces/unconfigured/audit"},
	{http.MethodGet, "/api/v1/workspaces/unconfigured/stream"},
}

func newSurfaceHandler(t *testing.T) http.Handler {
	t.Helper()
	events := notify.NewBroadcaster(nil)
	t.Cleanup(events.Close)
	return api.New(api.Deps{Events: events, Workspaces: []string{"acme"}}).Handler()
}

func TestRouteSurface(t *testing.T) {
	h := newSurfaceHandler(t)

	for _, rt := range expectedRoutes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(rt.method, rt.path, nil))

			require.Equal(t, http.StatusNotFound, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"),
				"route should be registered and reach the workspace guard")

			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, "unknown workspace", body["error"])
		})
	}
}

func TestHealthRoute(t *testing.T) {
	rec := httptest.NewRecorder()
	newSurfaceHandler(t).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestUnregisteredRoutesFallThrough(t *testing.T) {
	h := newSurfaceHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/workspaces/unconfigured/nothing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEqual(t, "application/json", rec.Header().Get("Content-Type"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/workspaces/unconfigured/queue", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
