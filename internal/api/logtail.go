package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mattjoyce/flux/internal/store"
)

const tailWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     sameOrigin,
}

// sameOrigin admits clients without an Origin header (tools) and browsers
// on the server's own host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// handleLogTail streams a build's log over a websocket as it grows. The
// server closes the socket, with the final status as the close reason,
// once the build is finished and the whole log has been sent.
func (s *Server) handleLogTail(w http.ResponseWriter, r *http.Request) {
	b, ok := s.buildFromURL(w, r)
	if !ok {
		return
	}
	path, err := s.deps.Logs.LogPath(b.Repository.Owner, b.Repository.Name, b.Num)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "log not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Drain client frames so close and ping are processed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	final, err := s.tailLog(ctx, conn, b, path)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("log tail ended", "repo", b.Repository.FullName(), "build", b.Num, "error", err)
		}
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(final.Status))
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(tailWriteWait))
}

// tailLog sends new log bytes every TailInterval until the build is
// terminal and fully sent.
func (s *Server) tailLog(ctx context.Context, conn *websocket.Conn, b store.Build, path string) (store.Build, error) {
	ticker := time.NewTicker(s.config.TailInterval)
	defer ticker.Stop()

	var offset int64
	buf := make([]byte, 32*1024)
	for {
		terminal := b.Status.IsTerminal()
		if err := sendLogChunk(conn, path, &offset, buf); err != nil {
			return b, err
		}
		if terminal {
			return b, nil
		}

		select {
		case <-ctx.Done():
			return b, ctx.Err()
		case <-ticker.C:
		}

		cur, err := s.deps.Builds.GetByNumber(ctx, b.Repository.ID, b.Num)
		if err != nil {
			return b, err
		}
		b = cur
	}
}

// sendLogChunk writes everything past *offset. Chunks may split UTF-8
// sequences, so they go out as binary messages.
func sendLogChunk(conn *websocket.Conn, path string, offset *int64, buf []byte) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(*offset, io.SeekStart); err != nil {
		return err
	}
	for {
		n, err := f.Read(buf)
		if n > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(tailWriteWait))
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return werr
			}
			*offset += int64(n)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
