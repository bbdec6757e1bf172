package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mattjoyce/flux/internal/auth"
	"github.com/mattjoyce/flux/internal/store"
)

// buildListLimit caps GET /repos/{owner}/{name}/builds.
const buildListLimit = 100

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Database:      "ok",
	}
	if s.deps.Queue != nil {
		stats := s.deps.Queue.Stats()
		resp.QueueDepth = stats.Pending
		resp.Running = stats.Running
		resp.Workers = stats.Workers
	}

	status := http.StatusOK
	if s.deps.Database != nil {
		if err := s.deps.Database.Ping(r.Context()); err != nil {
			s.logger.Error("database ping failed", "error", err)
			resp.Status = "degraded"
			resp.Database = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}
	respondJSON(w, status, resp)
}

// handleLoginForm handles GET /login. Flux has no HTML views; this tells
// a redirected browser what to do.
func (s *Server) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintln(w, "POST user_name and password to /login to sign in.")
}

// handleLogin handles POST /login with a form or JSON body.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, isJSON, err := decodeLogin(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := s.deps.Users.Authenticate(r.Context(), req.UserName, req.Password)
	if err != nil {
		if !errors.Is(err, store.ErrInvalidCredentials) {
			s.logger.Error("login failed", "user", req.UserName, "error", err)
		}
		s.writeError(w, http.StatusUnauthorized, "invalid user name or password")
		return
	}

	if err := s.deps.Sessions.SetCookie(w, user.Name); err != nil {
		s.logger.Error("failed to issue session", "user", user.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}
	s.logger.Info("user logged in", "user", user.Name)

	if !isJSON {
		http.Redirect(w, r, "/repos", http.StatusSeeOther)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

func decodeLogin(r *http.Request) (LoginRequest, bool, error) {
	var req LoginRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	isJSON := mediaType == "application/json"
	if isJSON {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
			return req, true, errors.New("invalid JSON body")
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return req, false, errors.New("invalid form body")
		}
		req.UserName = r.PostForm.Get("user_name")
		req.Password = r.PostForm.Get("password")
	}
	if req.UserName == "" || req.Password == "" {
		return req, isJSON, errors.New("user_name and password are required")
	}
	return req, isJSON, nil
}

// handleLogout handles POST /logout.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.deps.Sessions.ClearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleListRepos handles GET /repos.
func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := s.deps.Repositories.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list repositories", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list repositories")
		return
	}
	respondJSON(w, http.StatusOK, repos)
}

// handleListBuilds handles GET /repos/{owner}/{name}/builds.
func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.repoFromURL(w, r)
	if !ok {
		return
	}
	builds, err := s.deps.Builds.ListByRepository(r.Context(), repo.ID, buildListLimit)
	if err != nil {
		s.logger.Error("failed to list builds", "repo", repo.FullName(), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list builds")
		return
	}
	out := make([]BuildResponse, 0, len(builds))
	for _, b := range builds {
		out = append(out, newBuildResponse(b))
	}
	respondJSON(w, http.StatusOK, out)
}

// handleGetBuild handles GET /repos/{owner}/{name}/builds/{num}.
func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	b, ok := s.buildFromURL(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, newBuildResponse(b))
}

// handleDownloadLog handles GET /repos/{owner}/{name}/builds/{num}/log.
func (s *Server) handleDownloadLog(w http.ResponseWriter, r *http.Request) {
	b, ok := s.buildFromURL(w, r)
	if !ok {
		return
	}
	path, err := s.deps.Logs.LogPath(b.Repository.Owner, b.Repository.Name, b.Num)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "log not found")
		return
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		s.writeError(w, http.StatusNotFound, "log not available yet")
		return
	}
	if err != nil {
		s.logger.Error("failed to open build log", "path", path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to open log")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to open log")
		return
	}
	filename := fmt.Sprintf("%s-%s-%d.log", b.Repository.Owner, b.Repository.Name, b.Num)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	http.ServeContent(w, r, filename, info.ModTime(), f)
}

// handleTrigger handles POST /repos/{owner}/{name}/builds. Its response
// is the log of the admission.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request, out *slog.Logger) (int, error) {
	ctx := r.Context()
	owner, name := chi.URLParam(r, "owner"), chi.URLParam(r, "name")

	repo, err := s.deps.Repositories.GetByFullName(ctx, owner, name)
	if errors.Is(err, store.ErrNotFound) {
		out.Error("unknown repository " + owner + "/" + name)
		return http.StatusNotFound, nil
	}
	if err != nil {
		return 0, fmt.Errorf("look up repository: %w", err)
	}

	var req TriggerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		out.Error("invalid JSON body")
		return http.StatusBadRequest, nil
	}

	meta := store.PushMetadata{Ref: req.Ref, Commit: req.Commit, Delivery: "manual"}
	if u, ok := auth.UserFromContext(ctx); ok {
		meta.Pusher = u.Name
	}
	if meta.Ref == "" && meta.Commit == "" {
		latest, err := s.deps.Builds.ListByRepository(ctx, repo.ID, 1)
		if err != nil {
			return 0, fmt.Errorf("look up latest build: %w", err)
		}
		if len(latest) > 0 {
			meta.Ref = latest[0].Push.Ref
			meta.Commit = latest[0].Push.Commit
			out.Info(fmt.Sprintf("rebuilding the push of build #%d", latest[0].Num))
		}
	}

	b, err := s.deps.Queue.Enqueue(ctx, repo, meta)
	if err != nil {
		s.logger.Error("manual enqueue failed", "repo", repo.FullName(), "error", err)
		return 0, errors.New("failed to enqueue build")
	}
	s.logger.Info("build enqueued", "repo", repo.FullName(), "build", b.Num, "by", meta.Pusher)

	w.Header().Set("Location", buildPath(owner, name, b.Num))
	out.Info(fmt.Sprintf("queued build #%d of %s", b.Num, repo.FullName()), "ref", meta.Ref, "commit", meta.Commit)
	return http.StatusAccepted, nil
}

func (s *Server) repoFromURL(w http.ResponseWriter, r *http.Request) (store.Repository, bool) {
	owner, name := chi.URLParam(r, "owner"), chi.URLParam(r, "name")
	repo, err := s.deps.Repositories.GetByFullName(r.Context(), owner, name)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "repository not found")
		return store.Repository{}, false
	}
	if err != nil {
		s.logger.Error("failed to look up repository", "repo", owner+"/"+name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to look up repository")
		return store.Repository{}, false
	}
	return repo, true
}

func (s *Server) buildFromURL(w http.ResponseWriter, r *http.Request) (store.Build, bool) {
	num, err := strconv.ParseInt(chi.URLParam(r, "num"), 10, 64)
	if err != nil || num < 1 {
		s.writeError(w, http.StatusBadRequest, "invalid build number")
		return store.Build{}, false
	}
	repo, ok := s.repoFromURL(w, r)
	if !ok {
		return store.Build{}, false
	}
	b, err := s.deps.Builds.GetByNumber(r.Context(), repo.ID, num)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "build not found")
		return store.Build{}, false
	}
	if err != nil {
		s.logger.Error("failed to look up build", "repo", repo.FullName(), "build", num, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to look up build")
		return store.Build{}, false
	}
	return b, true
}

func buildPath(owner, name string, num int64) string {
	return "/repos/" + owner + "/" + name + "/builds/" + strconv.FormatInt(num, 10)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: strings.TrimSpace(message)})
}
