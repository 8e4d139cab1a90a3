package adminapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hostgate/hostgate/internal/config"
	"github.com/hostgate/hostgate/internal/reload"
	"github.com/hostgate/hostgate/internal/snapshot"
)

type fakeSnapshots struct{ snap *snapshot.Snapshot }

func (f fakeSnapshots) Current() *snapshot.Snapshot { return f.snap }

func buildSnap(t *testing.T) *snapshot.Snapshot {
	t.Helper()
	f, err := config.Parse([]byte(`
[[site]]
name = "A"
hostname = "a.test"
port = 80
default = true
static_dir = "/tmp"
`))
	require.NoError(t, err)
	issues := config.Validate(f)
	require.False(t, config.HasErrors(issues))
	snap, err := snapshot.Build("v1", f, nil)
	require.NoError(t, err)
	return snap
}

func TestHealthReturns503BeforeFirstReload(t *testing.T) {
	api := New(fakeSnapshots{}, nil, zap.NewNop())
	req := httptest.NewRequest("GET", "/api/health", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthReturnsOKAfterReload(t *testing.T) {
	api := New(fakeSnapshots{buildSnap(t)}, nil, zap.NewNop())
	req := httptest.NewRequest("GET", "/api/health", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSitesEndpointRedactsNothingSensitiveButListsSite(t *testing.T) {
	api := New(fakeSnapshots{buildSnap(t)}, nil, zap.NewNop())
	req := httptest.NewRequest("GET", "/api/sites", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Sites []siteSummary `json:"sites"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sites, 1)
	require.Equal(t, "A", body.Sites[0].Name)
	require.True(t, body.Sites[0].Default)
}

func TestReloadEndpointWithoutReloaderReturns503(t *testing.T) {
	api := New(fakeSnapshots{buildSnap(t)}, nil, zap.NewNop())
	req := httptest.NewRequest("POST", "/api/reload", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReloadEndpointInvokesReloadFunc(t *testing.T) {
	called := false
	rf := ReloadFunc(func(raw []byte) (string, []int, []int, error) {
		called = true
		return "v2", []int{80}, nil, nil
	})
	api := New(fakeSnapshots{buildSnap(t)}, rf, zap.NewNop())

	req := httptest.NewRequest("POST", "/api/reload", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)

	require.True(t, called)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Applied      bool   `json:"applied"`
		Version      string `json:"version"`
		PortsOpened  []int  `json:"ports_opened"`
		PortsDrained []int  `json:"ports_drained"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Applied)
	require.Equal(t, "v2", body.Version)
	require.Equal(t, []int{80}, body.PortsOpened)
}

func TestReloadEndpointReturns409WithIssuesOnValidationFailure(t *testing.T) {
	rf := ReloadFunc(func(raw []byte) (string, []int, []int, error) {
		return "", nil, nil, &reload.ValidationError{Issues: []config.Issue{
			{Severity: config.SeverityError, Field: "sites[0].static_dir", Message: "does not exist"},
		}}
	})
	api := New(fakeSnapshots{buildSnap(t)}, rf, zap.NewNop())

	req := httptest.NewRequest("POST", "/api/reload", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)

	var body struct {
		Applied bool `json:"applied"`
		Errors  []struct {
			Severity string `json:"severity"`
			Field    string `json:"field"`
			Message  string `json:"message"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.Applied)
	require.Len(t, body.Errors, 1)
	require.Equal(t, "sites[0].static_dir", body.Errors[0].Field)
}

func TestHealthDetailedReportsStatusAndVersion(t *testing.T) {
	api := New(fakeSnapshots{buildSnap(t)}, nil, zap.NewNop())
	req := httptest.NewRequest("GET", "/api/health/detailed", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "v1", body["version"])
}
