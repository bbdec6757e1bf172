package webhook

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/mattjoyce/flux/internal/config"
	"github.com/mattjoyce/flux/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepos map[string]store.Repository

func (f fakeRepos) GetByFullName(_ context.Context, owner, name string) (store.Repository, error) {
	fullName := owner + "/" + name
	if fullName == "broken/db" {
		return store.Repository{}, errors.New("connection refused")
	}
	repo, ok := f[fullName]
	if !ok {
		return store.Repository{}, store.ErrNotFound
	}
	return repo, nil
}

type fakeQueue struct {
	mu    sync.Mutex
	calls []store.PushMetadata
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, repo store.Repository, meta store.PushMetadata) (store.Build, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return store.Build{}, q.err
	}
	q.calls = append(q.calls, meta)
	return store.Build{ID: "b", Repository: repo, Num: int64(len(q.calls)), Status: store.StatusPending, Push: meta}, nil
}

func (q *fakeQueue) enqueued() []store.PushMetadata {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]store.PushMetadata(nil), q.calls...)
}

const (
	githubSecret = "gh-secret"
	gogsSecret   = "gogs-secret"
)

func testRepos() fakeRepos {
	return fakeRepos{
		"acme/widgets": {ID: "r1", Owner: "acme", Name: "widgets", Secret: githubSecret, Provider: store.ProviderGitHub},
		"acme/gadgets": {ID: "r2", Owner: "acme", Name: "gadgets", Secret: gogsSecret, Provider: store.ProviderGogs},
		"acme/legacy":  {ID: "r3", Owner: "acme", Name: "legacy", Secret: "x", Provider: store.ProviderUnsupported},
	}
}

func newTestRouter(t *testing.T, q *fakeQueue, maxBody int64) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := chi.NewRouter()
	New(Config{MaxBodySize: maxBody}, testRepos(), q, logger).Routes(r)
	return r
}

func githubPush(fullName, after string) []byte {
	return []byte(`{"ref":"refs/heads/main","after":"` + after + `","repository":{"full_name":"` + fullName + `"},"pusher":{"name":"kim"}}`)
}

func post(h http.Handler, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, PushPath, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlePushGitHub(t *testing.T) {
	q := &fakeQueue{}
	h := newTestRouter(t, q, 0)
	body := githubPush("acme/widgets", "abc123")

	rec := post(h, body, map[string]string{
		HeaderSignature:      SignSHA1(body, githubSecret),
		HeaderSignature256:   SignSHA256(body, githubSecret),
		HeaderGitHubEvent:    "push",
		HeaderGitHubDelivery: "d-1",
	})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "queued build #1 of acme/widgets")

	calls := q.enqueued()
	require.Len(t, calls, 1)
	assert.Equal(t, store.PushMetadata{Ref: "refs/heads/main", Commit: "abc123", Pusher: "kim", Delivery: "d-1"}, calls[0])
}

func TestHandlePushGogs(t *testing.T) {
	q := &fakeQueue{}
	h := newTestRouter(t, q, 0)
	body := []byte(`{"secret":"` + gogsSecret + `","ref":"refs/heads/dev","after":"def456","repository":{"full_name":"acme/gadgets"},"pusher":{"username":"lee"}}`)

	rec := post(h, body, map[string]string{HeaderGogsEvent: "push", HeaderGogsDelivery: "g-7"})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	calls := q.enqueued()
	require.Len(t, calls, 1)
	assert.Equal(t, "lee", calls[0].Pusher)
	assert.Equal(t, "g-7", calls[0].Delivery)
	assert.Equal(t, "def456", calls[0].Commit)
}

func TestHandlePushRejections(t *testing.T) {
	signedWidgets := githubPush("acme/widgets", "abc123")
	unknown := githubPush("acme/nothing", "abc123")
	legacy := githubPush("acme/legacy", "abc123")
	broken := githubPush("broken/db", "abc123")

	tests := []struct {
		name     string
		body     []byte
		headers  map[string]string
		maxBody  int64
		wantCode int
		wantBody string
	}{
		{
			name:     "not json",
			body:     []byte("payload=1"),
			wantCode: http.StatusBadRequest,
			wantBody: "not valid JSON",
		},
		{
			name:     "missing full name",
			body:     []byte(`{"repository":{}}`),
			wantCode: http.StatusBadRequest,
			wantBody: "repository.full_name",
		},
		{
			name:     "unknown repository",
			body:     unknown,
			headers:  map[string]string{HeaderSignature: SignSHA1(unknown, githubSecret)},
			wantCode: http.StatusNotFound,
			wantBody: "unknown repository acme/nothing",
		},
		{
			name:     "missing signature",
			body:     signedWidgets,
			wantCode: http.StatusForbidden,
			wantBody: "forbidden",
		},
		{
			name:     "wrong signature",
			body:     signedWidgets,
			headers:  map[string]string{HeaderSignature: SignSHA1(signedWidgets, "guess")},
			wantCode: http.StatusForbidden,
			wantBody: "forbidden",
		},
		{
			name:     "unsupported provider",
			body:     legacy,
			headers:  map[string]string{HeaderSignature: SignSHA1(legacy, "x")},
			wantCode: http.StatusForbidden,
			wantBody: "forbidden",
		},
		{
			name:     "too large",
			body:     bytes.Repeat([]byte("a"), 2048),
			maxBody:  1024,
			wantCode: http.StatusRequestEntityTooLarge,
			wantBody: "payload too large",
		},
		{
			name:     "full name without owner",
			body:     []byte(`{"repository":{"full_name":"widgets"}}`),
			wantCode: http.StatusNotFound,
			wantBody: "unknown repository widgets",
		},
		{
			name:     "lookup failure",
			body:     broken,
			wantCode: http.StatusInternalServerError,
			wantBody: "repository lookup failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{}
			rec := post(newTestRouter(t, q, tt.maxBody), tt.body, tt.headers)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
			assert.Empty(t, q.enqueued())
		})
	}
}

func TestHandlePushForbiddenIsGeneric(t *testing.T) {
	body := githubPush("acme/widgets", "abc123")
	rec := post(newTestRouter(t, &fakeQueue{}, 0), body, map[string]string{HeaderSignature: "sha1=00"})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sha1")
	assert.NotContains(t, rec.Body.String(), githubSecret)
}

func TestHandlePushIgnoredEvents(t *testing.T) {
	tests := []struct {
		name     string
		event    string
		after    string
		wantBody string
	}{
		{name: "ping", event: "ping", after: "abc123", wantBody: "pong"},
		{name: "other event", event: "issues", after: "abc123", wantBody: "ignoring issues event"},
		{name: "branch deletion", event: "push", after: zeroCommit, wantBody: "ignoring deletion of refs/heads/main"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{}
			body := githubPush("acme/widgets", tt.after)
			rec := post(newTestRouter(t, q, 0), body, map[string]string{
				HeaderSignature:   SignSHA1(body, githubSecret),
				HeaderGitHubEvent: tt.event,
			})

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
			assert.Empty(t, q.enqueued())
		})
	}
}

func TestHandlePushEnqueueFailure(t *testing.T) {
	q := &fakeQueue{err: errors.New("build queue is stopped")}
	body := githubPush("acme/widgets", "abc123")
	rec := post(newTestRouter(t, q, 0), body, map[string]string{HeaderSignature: SignSHA1(body, githubSecret)})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "failed to enqueue build")
}

func TestHandlePushOnlyAcceptsPost(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, PushPath, nil)
	rec := httptest.NewRecorder()
	newTestRouter(t, &fakeQueue{}, 0).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestFromGlobalConfig(t *testing.T) {
	cfg := config.Defaults()
	got, err := FromGlobalConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), got.MaxBodySize)

	cfg.MaxBodySize = "2KB"
	got, err = FromGlobalConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), got.MaxBodySize)

	cfg.MaxBodySize = "lots"
	_, err = FromGlobalConfig(cfg)
	assert.Error(t, err)

	_, err = FromGlobalConfig(nil)
	assert.Error(t, err)
}

func TestNewPushEventPrefersGitHubHeaders(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderGogsEvent, "push")
	h.Set(HeaderGogsDelivery, "g")
	ev := NewPushEvent([]byte("{}"), nil, h)
	assert.Equal(t, "push", ev.Event)
	assert.Equal(t, "g", ev.Delivery)

	h.Set(HeaderGitHubEvent, "ping")
	h.Set(HeaderGitHubDelivery, "gh")
	ev = NewPushEvent([]byte("{}"), nil, h)
	assert.Equal(t, "ping", ev.Event)
	assert.Equal(t, "gh", ev.Delivery)
	assert.True(t, strings.HasPrefix(string(ev.Body), "{"))
}
