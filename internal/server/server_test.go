package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snuconnectome/viberank-connectomelab/internal/server"
	"github.com/snuconnectome/viberank-connectomelab/pkg/reconcile"
	"github.com/snuconnectome/viberank-connectomelab/pkg/storage"
	"github.com/snuconnectome/viberank-connectomelab/pkg/usage"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, opts server.Options) (*server.Server, *reconcile.Engine) {
	t.Helper()
	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := reconcile.NewEngine(db, logger, reconcile.Options{
		Now: func() time.Time { return testNow },
	})
	return server.New(eng, logger, opts), eng
}

func submitBody(username, machineID string, tokens int64, cost float64) []byte {
	body := map[string]any{
		"username":   username,
		"department": "neuro",
		"machine_id": machineID,
		"source":     "cli",
		"report": map[string]any{
			"totals": map[string]any{
				"input_tokens": tokens,
				"total_tokens": tokens,
				"total_cost":   cost,
			},
			"date_range":  map[string]string{"start": "2025-06-01", "end": "2025-06-01"},
			"models_used": []string{"claude-sonnet-4"},
			"daily": []map[string]any{{
				"date":         "2025-06-01",
				"input_tokens": tokens,
				"total_tokens": tokens,
				"total_cost":   cost,
				"models_used":  []string{"claude-sonnet-4"},
			}},
		},
	}
	data, _ := json.Marshal(body)
	return data
}

func doRequest(h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(t, server.Options{})
	rec := doRequest(s.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestServer_Submit(t *testing.T) {
	s, _ := newTestServer(t, server.Options{})
	h := s.Handler()

	rec := doRequest(h, http.MethodPost, "/api/v1/submissions", submitBody("alice", "mach-1", 1000, 1.0))
	require.Equal(t, http.StatusCreated, rec.Code)

	var res reconcile.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.IsNew)
	assert.NotEmpty(t, res.SubmissionID)

	// Merging into the existing row is a 200, not a 201.
	rec = doRequest(h, http.MethodPost, "/api/v1/submissions", submitBody("alice", "mach-1", 1000, 1.0))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Submit_BadBody(t *testing.T) {
	s, _ := newTestServer(t, server.Options{})
	rec := doRequest(s.Handler(), http.MethodPost, "/api/v1/submissions", []byte("not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Submit_ValidationError(t *testing.T) {
	s, _ := newTestServer(t, server.Options{})

	body := submitBody("alice", "mach-1", 1000, 1.0)
	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	req["report"].(map[string]any)["totals"].(map[string]any)["total_tokens"] = 50000
	body, _ = json.Marshal(req)

	rec := doRequest(s.Handler(), http.MethodPost, "/api/v1/submissions", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "Token calculation invalid")
}

func TestServer_Submit_InvalidIdentity(t *testing.T) {
	s, _ := newTestServer(t, server.Options{})
	rec := doRequest(s.Handler(), http.MethodPost, "/api/v1/submissions", submitBody("", "mach-1", 1000, 1.0))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestServer_Submit_RateLimited(t *testing.T) {
	s, _ := newTestServer(t, server.Options{SubmitRate: 0.001, SubmitBurst: 1})
	h := s.Handler()

	rec := doRequest(h, http.MethodPost, "/api/v1/submissions", submitBody("alice", "mach-1", 1000, 1.0))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(h, http.MethodPost, "/api/v1/submissions", submitBody("alice", "mach-2", 1000, 1.0))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestServer_Leaderboard(t *testing.T) {
	s, _ := newTestServer(t, server.Options{})
	h := s.Handler()

	for i, cost := range []float64{35, 25, 15} {
		rec := doRequest(h, http.MethodPost, "/api/v1/submissions",
			submitBody(fmt.Sprintf("user%d", i), fmt.Sprintf("mach-%d", i), int64(cost*1000), cost))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doRequest(h, http.MethodGet, "/api/v1/leaderboard?metric=cost", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page reconcile.LeaderboardPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Entries, 3)
	assert.Equal(t, 1, page.Entries[0].Rank)
	assert.Equal(t, "user0", page.Entries[0].Submission.Username)

	rec = doRequest(h, http.MethodGet, "/api/v1/leaderboard?metric=vibes", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_LeaderboardRange(t *testing.T) {
	s, _ := newTestServer(t, server.Options{})
	h := s.Handler()

	rec := doRequest(h, http.MethodPost, "/api/v1/submissions", submitBody("alice", "mach-1", 1000, 1.0))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(h, http.MethodGet, "/api/v1/leaderboard/range?from=2025-06-01&to=2025-06-02", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alice")

	rec = doRequest(h, http.MethodGet, "/api/v1/leaderboard/range?from=bad&to=2025-06-02", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Profile(t *testing.T) {
	s, eng := newTestServer(t, server.Options{})
	h := s.Handler()

	rec := doRequest(h, http.MethodGet, "/api/v1/profiles/alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	doRequest(h, http.MethodPost, "/api/v1/submissions", submitBody("alice", "mach-1", 1000, 1.0))
	require.NoError(t, eng.RecomputeProfile(context.Background(), "alice", "neuro"))

	rec = doRequest(h, http.MethodGet, "/api/v1/profiles/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var profile usage.ProfileSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profile))
	assert.Equal(t, 1, profile.TotalSubmissions)
	assert.Equal(t, int64(1000), profile.TotalTokens)
}

func TestServer_ReviewFlow(t *testing.T) {
	s, _ := newTestServer(t, server.Options{})
	h := s.Handler()

	rec := doRequest(h, http.MethodPost, "/api/v1/submissions", submitBody("mallory", "mach-9", 150_000_000, 500))
	require.Equal(t, http.StatusCreated, rec.Code)
	var res reconcile.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.True(t, res.Flagged)

	rec = doRequest(h, http.MethodGet, "/api/v1/review/flagged", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mallory")

	body, _ := json.Marshal(map[string]any{"flagged": false, "reason": "verified with user"})
	rec = doRequest(h, http.MethodPost, "/api/v1/review/"+res.SubmissionID, body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(h, http.MethodGet, "/api/v1/review/flagged", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "mallory")
}

func TestServer_Review_Missing(t *testing.T) {
	s, _ := newTestServer(t, server.Options{})
	body, _ := json.Marshal(map[string]any{"flagged": true})
	rec := doRequest(s.Handler(), http.MethodPost, "/api/v1/review/no-such-id", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_MergeIdentity(t *testing.T) {
	s, _ := newTestServer(t, server.Options{})
	h := s.Handler()

	doRequest(h, http.MethodPost, "/api/v1/submissions", submitBody("alice", "mach-1", 1000, 1.0))
	doRequest(h, http.MethodPost, "/api/v1/submissions", submitBody("alice", "mach-2", 2000, 2.0))

	rec := doRequest(h, http.MethodPost, "/api/v1/admin/merge/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res reconcile.MergeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Merged)
}

func TestServer_Stats(t *testing.T) {
	s, eng := newTestServer(t, server.Options{})
	h := s.Handler()

	doRequest(h, http.MethodPost, "/api/v1/submissions", submitBody("alice", "mach-1", 1000, 1.0))
	require.NoError(t, eng.RecomputeProfile(context.Background(), "alice", "neuro"))

	rec := doRequest(h, http.MethodGet, "/api/v1/stats/departments/neuro", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_identities":1`)

	rec = doRequest(h, http.MethodGet, "/api/v1/stats/lab", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_departments":1`)
}

func TestServer_Canonical(t *testing.T) {
	s, _ := newTestServer(t, server.Options{})
	h := s.Handler()

	doRequest(h, http.MethodPost, "/api/v1/submissions", submitBody("alice", "mach-1", 1000, 1.0))

	rec := doRequest(h, http.MethodGet, "/api/v1/canonical?username=alice&machine_id=mach-1&source=cli", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var sub usage.CanonicalSubmission
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	assert.Equal(t, int64(1000), sub.Totals.TotalTokens)

	rec = doRequest(h, http.MethodGet, "/api/v1/canonical?username=ghost&machine_id=x&source=cli", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Timeline(t *testing.T) {
	s, _ := newTestServer(t, server.Options{})
	h := s.Handler()

	doRequest(h, http.MethodPost, "/api/v1/submissions", submitBody("alice", "mach-1", 1000, 1.0))

	rec := doRequest(h, http.MethodGet, "/api/v1/timeline?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alice")
}
