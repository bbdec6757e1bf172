package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/flux/internal/api"
	"github.com/mattjoyce/flux/internal/auth"
	"github.com/mattjoyce/flux/internal/build"
	"github.com/mattjoyce/flux/internal/events"
	"github.com/mattjoyce/flux/internal/queue"
	"github.com/mattjoyce/flux/internal/store"
	"github.com/mattjoyce/flux/internal/webhook"
	"github.com/mattjoyce/flux/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gitRepo creates a local repository holding a single build script and
// returns its path and HEAD commit.
func gitRepo(t *testing.T, script string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) string {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-c", "user.name=flux", "-c", "user.email=flux@example.org"}, args...)...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
		return strings.TrimSpace(string(out))
	}
	run("init", "-q")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".flux-build.sh"), []byte(script), 0o755))
	run("add", ".flux-build.sh")
	run("commit", "-q", "-m", "initial")
	return dir, run("rev-parse", "HEAD")
}

func pushBody(fullName, commit string) []byte {
	return []byte(fmt.Sprintf(`{"ref":"refs/heads/main","after":%q,"repository":{"full_name":%q},"pusher":{"name":"kim"}}`, commit, fullName))
}

// TestPushToFinishedBuild drives a signed webhook delivery through the
// queue and executor and reads the outcome back over the API.
func TestPushToFinishedBuild(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("build scripts need a POSIX shell")
	}
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "flux.db"), "")
	require.NoError(t, err)
	defer st.Close()
	_, err = st.Users().Create(ctx, "root", "alpine")
	require.NoError(t, err)

	failingDir, failingCommit := gitRepo(t, "echo oops >&2\nexit 1\n")
	passingDir, passingCommit := gitRepo(t, "echo all good\n")
	for _, r := range []store.Repository{
		{Owner: "acme", Name: "broken", CloneURL: failingDir, Secret: "one", Provider: store.ProviderGitHub},
		{Owner: "acme", Name: "fine", CloneURL: passingDir, Secret: "two", Provider: store.ProviderGitHub},
	} {
		_, err := st.Repositories().Create(ctx, r)
		require.NoError(t, err)
	}

	ws, err := workspace.NewFSManager(t.TempDir())
	require.NoError(t, err)
	hub := events.NewHub(64)
	executor := build.New(build.Config{BuildScripts: []string{".flux-build.sh"}, Timeout: time.Minute, Grace: time.Second}, ws, logger)
	q := queue.New(queue.Config{ParallelBuilds: 1}, st.Builds(), executor, hub, logger)
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	sessions, err := auth.NewSessions([]byte("integration-key"), time.Hour, false)
	require.NoError(t, err)
	server := api.New(api.Config{TailInterval: 20 * time.Millisecond}, api.Deps{
		Repositories: st.Repositories(),
		Builds:       st.Builds(),
		Users:        st.Users(),
		Queue:        q,
		Logs:         ws,
		Hub:          hub,
		Sessions:     sessions,
		Database:     st,
		Webhook:      webhook.New(webhook.Config{}, st.Repositories(), q, logger),
	}, logger)
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	deliver := func(fullName, commit, secret string) {
		t.Helper()
		body := pushBody(fullName, commit)
		req, err := http.NewRequest(http.MethodPost, srv.URL+webhook.PushPath, strings.NewReader(string(body)))
		require.NoError(t, err)
		req.Header.Set(webhook.HeaderGitHubEvent, "push")
		req.Header.Set(webhook.HeaderSignature, webhook.SignSHA1(body, secret))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		require.Equal(t, http.StatusAccepted, resp.StatusCode, string(msg))
		assert.Contains(t, string(msg), "queued build #1 of "+fullName)
	}
	deliver("acme/broken", failingCommit, "one")
	deliver("acme/fine", passingCommit, "two")

	token, err := sessions.Issue("root")
	require.NoError(t, err)
	get := func(path string) (*http.Response, []byte) {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: token})
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, body
	}
	waitFinished := func(fullName string) api.BuildResponse {
		t.Helper()
		deadline := time.Now().Add(30 * time.Second)
		for {
			var b api.BuildResponse
			resp, body := get("/repos/" + fullName + "/builds/1")
			require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
			require.NoError(t, json.Unmarshal(body, &b))
			if b.Status.IsTerminal() {
				return b
			}
			require.True(t, time.Now().Before(deadline), "build of %s did not finish", fullName)
			time.Sleep(50 * time.Millisecond)
		}
	}

	broken := waitFinished("acme/broken")
	assert.Equal(t, store.StatusFailed, broken.Status)
	assert.Equal(t, store.ReasonScriptFailed, broken.Reason)
	require.NotNil(t, broken.ExitCode)
	assert.Equal(t, 1, *broken.ExitCode)
	assert.Equal(t, failingCommit, broken.Push.Commit)
	assert.Equal(t, "kim", broken.Push.Pusher)

	fine := waitFinished("acme/fine")
	assert.Equal(t, store.StatusSuccess, fine.Status)

	resp, logBody := get(broken.LogURL)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(logBody), "$ git clone")
	assert.Contains(t, string(logBody), "oops")
	assert.Contains(t, string(logBody), "build failed")

	// Stop waits for the workers, so both finish events are published.
	q.Stop()
	var finished []string
	for _, ev := range hub.SnapshotSince(0) {
		if ev.Type != events.BuildFinished {
			continue
		}
		var be events.BuildEvent
		require.NoError(t, json.Unmarshal(ev.Data, &be))
		finished = append(finished, be.Repository+":"+be.Status)
	}
	assert.ElementsMatch(t, []string{"acme/broken:failed", "acme/fine:success"}, finished)
}
