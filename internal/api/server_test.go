package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesshucom/jpsonic-sub005/internal/control/middleware"
	"github.com/tesshucom/jpsonic-sub005/internal/health"
	"github.com/tesshucom/jpsonic-sub005/internal/transcoding"
	"github.com/tesshucom/jpsonic-sub005/internal/transfer"
)

const testToken = "admin-secret"

type recordingStore struct {
	mu      sync.Mutex
	calls   int
	defs    []transcoding.Definition
	players map[string][]int
	err     error
}

func (s *recordingStore) UpdateTranscodings(_ context.Context, defs []transcoding.Definition, players map[string][]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.defs, s.players = defs, players
	return nil
}

type harness struct {
	srv      *Server
	tracker  *transfer.Tracker
	registry *transcoding.Registry
	store    *recordingStore
	streamed int
}

func newHarness(t *testing.T, stack StackSettings) *harness {
	t.Helper()
	reg, err := transcoding.NewRegistry([]transcoding.Definition{{
		ID:            1,
		Name:          "mp3 audio",
		SourceFormats: []string{"flac"},
		TargetFormat:  "mp3",
		Step1:         "ffmpeg -i %s -b:a %bk -f mp3 -",
		DefaultActive: true,
	}}, nil)
	require.NoError(t, err)

	h := &harness{tracker: transfer.NewTracker(), registry: reg, store: &recordingStore{}}
	h.srv = New(Deps{
		Stream: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h.streamed++
			w.WriteHeader(http.StatusOK)
		}),
		Tracker:      h.tracker,
		Registry:     reg,
		Transcodings: h.store,
		Health:       health.NewManager("test"),
		Settings:     func() Settings { return Settings{APIToken: testToken} },
	}, stack)
	return h
}

func (h *harness) do(t *testing.T, method, target, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestStreamRoutes(t *testing.T) {
	h := newHarness(t, StackSettings{})
	for _, p := range streamPaths {
		assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, p+"?id=1", "", false).Code, p)
		assert.Equal(t, http.StatusOK, h.do(t, http.MethodHead, p+"?id=1", "", false).Code, p)
	}
	assert.Equal(t, len(streamPaths)*2, h.streamed)
	assert.Equal(t, http.StatusMethodNotAllowed, h.do(t, http.MethodPost, "/rest/stream", "", false).Code)
}

func TestProbes(t *testing.T) {
	h := newHarness(t, StackSettings{})
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", "", false).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/readyz", "", false).Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	h := newHarness(t, StackSettings{})
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/transfers"},
		{http.MethodDelete, "/api/v1/transfers/x"},
		{http.MethodGet, "/api/v1/transcodings"},
		{http.MethodDelete, "/api/v1/transcodings/1"},
	} {
		rec := h.do(t, tc.method, tc.path, "", false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, tc.path)
	}
	_, ok := h.registry.Get(1)
	assert.True(t, ok, "unauthenticated delete must not apply")
}

func TestTransferRoutes(t *testing.T) {
	h := newHarness(t, StackSettings{})
	a, _ := h.tracker.Begin(context.Background(), transfer.Info{PlayerID: "car", Path: "/music/a.flac"})
	b, _ := h.tracker.Begin(context.Background(), transfer.Info{PlayerID: "phone", Path: "/music/b.flac"})
	h.tracker.Update(a, 4096)

	rec := h.do(t, http.MethodGet, "/api/v1/transfers", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var all transferList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all.Transfers, 2)

	rec = h.do(t, http.MethodGet, "/api/v1/players/car/transfers", "", true)
	var mine transferList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mine))
	require.Len(t, mine.Transfers, 1)
	assert.Equal(t, a.ID, mine.Transfers[0].ID)
	assert.Equal(t, int64(4096), mine.Transfers[0].Bytes)

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/v1/transfers/"+b.ID, "", true).Code)
	assert.True(t, b.Terminated())
	assert.False(t, a.Terminated())

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/api/v1/transfers/unknown", "", true).Code)

	h.tracker.Remove(a)
	h.tracker.Remove(b)
}

func TestTranscodingCRUD(t *testing.T) {
	h := newHarness(t, StackSettings{})

	rec := h.do(t, http.MethodGet, "/api/v1/transcodings", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var list transcodingList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Transcodings, 1)

	body := `{"name":"opus","sourceFormats":["flac","wav"],"targetFormat":"opus","step1":"ffmpeg -i %s -f opus -","defaultActive":false}`
	rec = h.do(t, http.MethodPut, "/api/v1/transcodings/2", body, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rule, ok := h.registry.Get(2)
	require.True(t, ok)
	assert.Equal(t, "opus", rule.TargetFormat)
	assert.Len(t, h.store.defs, 2)

	rec = h.do(t, http.MethodPut, "/api/v1/transcodings/2", strings.Replace(body, `"opus","source`, `"opus v2","source`, 1), true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/transcodings/2", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var def transcoding.Definition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &def))
	assert.Equal(t, "opus v2", def.Name)

	rec = h.do(t, http.MethodPut, "/api/v1/players/car/transcodings", `{"ruleIds":[2]}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string][]int{"car": {2}}, h.store.players)
	assert.Len(t, h.registry.ForPlayer("car", "wav"), 1)

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/v1/transcodings/2", "", true).Code)
	_, ok = h.registry.Get(2)
	assert.False(t, ok)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/api/v1/transcodings/2", "", true).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/transcodings/2", "", true).Code)
}

func TestTranscodingValidation(t *testing.T) {
	h := newHarness(t, StackSettings{})
	cases := map[string]struct {
		path, body string
	}{
		"bad id":          {"/api/v1/transcodings/abc", `{}`},
		"unknown field":   {"/api/v1/transcodings/3", `{"bogus":1}`},
		"missing target":  {"/api/v1/transcodings/3", `{"sourceFormats":["flac"],"step1":"ffmpeg -i %s -"}`},
		"broken template": {"/api/v1/transcodings/3", `{"sourceFormats":["flac"],"targetFormat":"mp3","step1":"ffmpeg \"oops"}`},
		"unknown rule":    {"/api/v1/players/car/transcodings", `{"ruleIds":[99]}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := h.do(t, http.MethodPut, tc.path, tc.body, true)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	assert.Zero(t, h.store.calls)
}

func TestTranscodingPersistFailureRollsBack(t *testing.T) {
	h := newHarness(t, StackSettings{})
	h.store.err = errors.New("disk full")

	rec := h.do(t, http.MethodDelete, "/api/v1/transcodings/1", "", true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	_, ok := h.registry.Get(1)
	assert.True(t, ok, "registry rolled back")
}

func TestRateLimitSkipsProbes(t *testing.T) {
	h := newHarness(t, StackSettings{RateLimit: middleware.RateLimitConfig{RequestLimit: 1, WindowSize: time.Minute}})

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/stream?id=1", "", false).Code)
	assert.Equal(t, http.StatusTooManyRequests, h.do(t, http.MethodGet, "/stream?id=1", "", false).Code)
	for range 3 {
		assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", "", false).Code)
	}
}
