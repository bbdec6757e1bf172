package webhook

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mattjoyce/flux/internal/api/middleware"
	"github.com/mattjoyce/flux/internal/payload"
	"github.com/mattjoyce/flux/internal/store"
)

// PushPath is where providers deliver push notifications.
const PushPath = "/hook/push"

// Server receives provider webhooks and admits verified pushes as builds.
type Server struct {
	config Config
	repos  RepositoryFinder
	queue  Queuer
	logger *slog.Logger
}

// New creates a receiver.
func New(config Config, repos RepositoryFinder, queue Queuer, logger *slog.Logger) *Server {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	return &Server{
		config: config,
		repos:  repos,
		queue:  queue,
		logger: logger,
	}
}

// Routes registers the receiver on r.
func (s *Server) Routes(r chi.Router) {
	r.Method(http.MethodPost, PushPath, middleware.LogResponse(s.handlePush))
}

// handlePush answers with the lines it logs to out. Rejections before
// verification say what was wrong with the request; a failed signature
// check only says "forbidden".
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request, out *slog.Logger) (int, error) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		out.Error("failed to read request body")
		return http.StatusBadRequest, nil
	}
	if int64(len(body)) > s.config.MaxBodySize {
		out.Error("payload too large")
		return http.StatusRequestEntityTooLarge, nil
	}

	doc, err := payload.Decode(body)
	if err != nil {
		out.Error("malformed payload: body is not valid JSON")
		return http.StatusBadRequest, nil
	}
	fullName, ok := payload.String(doc, fullNamePath)
	if !ok || fullName == "" {
		out.Error("malformed payload: missing " + fullNamePath)
		return http.StatusBadRequest, nil
	}

	owner, name, ok := store.SplitFullName(fullName)
	if !ok {
		out.Error("unknown repository " + fullName)
		return http.StatusNotFound, nil
	}
	repo, err := s.repos.GetByFullName(ctx, owner, name)
	if errors.Is(err, store.ErrNotFound) {
		out.Error("unknown repository " + fullName)
		return http.StatusNotFound, nil
	}
	if err != nil {
		s.logger.Error("repository lookup failed", "repo", fullName, "error", err)
		return http.StatusInternalServerError, errors.New("repository lookup failed")
	}

	ev := NewPushEvent(body, doc, r.Header)
	if !Verify(ev, repo) {
		s.logger.Warn("webhook verification failed",
			"repo", fullName,
			"provider", repo.Provider,
			"delivery", ev.Delivery,
		)
		out.Error("forbidden")
		return http.StatusForbidden, nil
	}

	switch ev.Event {
	case eventPing:
		out.Info("pong")
		return http.StatusOK, nil
	case "", eventPush:
	default:
		out.Info("ignoring " + ev.Event + " event")
		return http.StatusOK, nil
	}

	meta := pushMetadata(doc, ev.Delivery)
	if meta.Commit == zeroCommit {
		out.Info("ignoring deletion of " + meta.Ref)
		return http.StatusOK, nil
	}

	b, err := s.queue.Enqueue(ctx, repo, meta)
	if err != nil {
		s.logger.Error("failed to enqueue build", "repo", fullName, "error", err)
		return http.StatusInternalServerError, errors.New("failed to enqueue build")
	}

	s.logger.Info("build enqueued",
		"repo", fullName,
		"build", b.Num,
		"ref", meta.Ref,
		"commit", meta.Commit,
		"delivery", meta.Delivery,
	)
	out.Info(fmt.Sprintf("queued build #%d of %s", b.Num, fullName), "ref", meta.Ref, "commit", meta.Commit)
	return http.StatusAccepted, nil
}

func pushMetadata(doc any, delivery string) store.PushMetadata {
	meta := store.PushMetadata{Delivery: delivery}
	meta.Ref, _ = payload.String(doc, pushRefPath)
	meta.Commit, _ = payload.String(doc, pushCommitPath)
	if pusher, ok := payload.String(doc, githubPusherPath); ok {
		meta.Pusher = pusher
	} else {
		meta.Pusher, _ = payload.String(doc, gogsPusherPath)
	}
	return meta
}
