// Package api provides the HTTP server and handlers.
package api

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/vault/internal/errs"
	"github.com/fruitsalade/vault/internal/events"
	"github.com/fruitsalade/vault/internal/logging"
	"github.com/fruitsalade/vault/internal/markdown"
	"github.com/fruitsalade/vault/internal/protocol"
	"github.com/fruitsalade/vault/internal/store"
	davpkg "github.com/fruitsalade/vault/internal/webdav"
)

// Version is reported by the health endpoint.
const Version = "1.0"

const heartbeatInterval = 25 * time.Second

// Pool gzip writers to reduce allocations on tree responses.
var gzipPool = sync.Pool{
	New: func() any { return gzip.NewWriter(nil) },
}

// Server is the HTTP server.
type Server struct {
	store       *store.Store
	broadcaster *events.Broadcaster
	maxBodySize int64
	webdav      bool
}

// Option configures a Server.
type Option func(*Server)

// WithMaxBodySize limits request bodies. 0 disables the limit.
func WithMaxBodySize(n int64) Option {
	return func(s *Server) { s.maxBodySize = n }
}

// WithWebDAV mounts the WebDAV surface under /webdav/.
func WithWebDAV(enabled bool) Option {
	return func(s *Server) { s.webdav = enabled }
}

// NewServer creates a new server.
func NewServer(st *store.Store, broadcaster *events.Broadcaster, opts ...Option) *Server {
	s := &Server{
		store:       st,
		broadcaster: broadcaster,
		maxBodySize: 10 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Documents
	mux.HandleFunc("GET /api/v1/files", s.handleRead)
	mux.HandleFunc("GET /api/v1/files/{path...}", s.handleRead)
	mux.HandleFunc("POST /api/v1/files/{path...}", s.handleWrite)
	mux.HandleFunc("PUT /api/v1/files/{path...}", s.handleUpdate)
	mux.HandleFunc("DELETE /api/v1/files/{path...}", s.handleDelete)
	mux.HandleFunc("GET /api/v1/content/{path...}", s.handleContent)
	mux.HandleFunc("GET /api/v1/render/{path...}", s.handleRender)
	mux.HandleFunc("GET /api/v1/list", s.handleList)
	mux.HandleFunc("GET /api/v1/list/{path...}", s.handleList)
	mux.HandleFunc("POST /api/v1/folders/{path...}", s.handleCreateFolder)
	mux.HandleFunc("POST /api/v1/move", s.handleMove)

	// Change events
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("POST /api/v1/events/{id}/subscribe", s.handleSubscribe)
	mux.HandleFunc("POST /api/v1/events/{id}/unsubscribe", s.handleUnsubscribe)

	if s.webdav {
		dav := davpkg.NewHandler(s.store)
		mux.Handle(davpkg.Prefix+"/", dav)
		mux.Handle(davpkg.Prefix, dav)
	}

	return logging.Middleware(mux)
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:    "ok",
		Version:   Version,
		Observers: s.broadcaster.Count(),
	})
}

// ─── Documents ──────────────────────────────────────────────────────────────

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.Read(r.Context(), store.ReadRequest{Path: pathValue(r)})
	if err != nil {
		s.sendStoreError(w, r, err)
		return
	}
	if res.IsDir && acceptsGzip(r) {
		s.sendGzipJSON(w, r, res)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var body protocol.WriteBody
	if !s.decode(w, r, &body) {
		return
	}
	res, err := s.store.Write(r.Context(), store.WriteRequest{Path: pathValue(r), Content: body.Content})
	if err != nil {
		s.sendStoreError(w, r, err)
		return
	}
	code := http.StatusOK
	if res.Created {
		code = http.StatusCreated
	}
	s.sendJSON(w, code, res)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var body protocol.WriteBody
	if !s.decode(w, r, &body) {
		return
	}
	res, err := s.store.Update(r.Context(), store.WriteRequest{Path: pathValue(r), Content: body.Content})
	if err != nil {
		s.sendStoreError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	recursive := false
	if v := r.URL.Query().Get("recursive"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "invalid recursive flag")
			return
		}
		recursive = b
	}
	res, err := s.store.Delete(r.Context(), store.DeleteRequest{Path: pathValue(r), Recursive: recursive})
	if err != nil {
		s.sendStoreError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.ReadContent(r.Context(), store.ReadRequest{Path: pathValue(r)})
	if err != nil {
		s.sendStoreError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Length", strconv.FormatInt(res.Size, 10))
	w.Header().Set("Last-Modified", res.ModTime.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(res.Content))
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.ReadContent(r.Context(), store.ReadRequest{Path: pathValue(r)})
	if err != nil {
		s.sendStoreError(w, r, err)
		return
	}
	html, err := markdown.Render([]byte(res.Content))
	if err != nil {
		logging.WithContext(r.Context()).Error("render failed", zap.String("path", res.Path), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "render failed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(html)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.ListNames(r.Context(), store.ListRequest{Path: pathValue(r)})
	if err != nil {
		s.sendStoreError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.CreateFolder(r.Context(), store.FolderRequest{Path: pathValue(r)})
	if err != nil {
		s.sendStoreError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, res)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var body protocol.MoveBody
	if !s.decode(w, r, &body) {
		return
	}
	res, err := s.store.Move(r.Context(), store.MoveRequest{Source: body.Source, Target: body.Target})
	if err != nil {
		s.sendStoreError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	collections := splitList(r.URL.Query()["collection"])
	if len(collections) == 0 {
		collections = []string{s.store.RootName()}
	}

	obs := s.broadcaster.Connect(collections...)
	defer s.broadcaster.Disconnect(obs.ID())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	hello, _ := json.Marshal(protocol.ConnectedEvent{
		ObserverID:  obs.ID(),
		Collections: obs.Collections(),
	})
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", protocol.FrameConnected, hello)
	flusher.Flush()

	logger := logging.WithContext(r.Context())
	logger.Debug("observer connected",
		zap.String("observer_id", obs.ID()),
		zap.Strings("collections", collections))

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("observer disconnected", zap.String("observer_id", obs.ID()))
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case event, ok := <-obs.Events():
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	s.changeMembership(w, r, s.broadcaster.Subscribe)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	s.changeMembership(w, r, s.broadcaster.Unsubscribe)
}

func (s *Server) changeMembership(w http.ResponseWriter, r *http.Request, change func(string, ...string) error) {
	var body protocol.MembershipBody
	if !s.decode(w, r, &body) {
		return
	}
	collections := splitList(body.Collections)
	if len(collections) == 0 {
		s.sendError(w, http.StatusBadRequest, "collections is required")
		return
	}
	if err := change(r.PathValue("id"), collections...); err != nil {
		if errors.Is(err, events.ErrUnknownObserver) {
			s.sendError(w, http.StatusNotFound, "observer not connected")
			return
		}
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// pathValue returns the virtual path carried by the route, "" for the root.
func pathValue(r *http.Request) string {
	p := r.PathValue("path")
	if p == "" {
		return ""
	}
	return "/" + p
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := r.Body
	if s.maxBodySize > 0 {
		body = http.MaxBytesReader(w, r.Body, s.maxBodySize)
	}
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendGzipJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Set("Vary", "Accept-Encoding")
	w.WriteHeader(http.StatusOK)

	gw := gzipPool.Get().(*gzip.Writer)
	gw.Reset(w)
	defer gzipPool.Put(gw)

	if err := json.NewEncoder(gw).Encode(v); err != nil {
		logging.WithContext(r.Context()).Warn("tree encode failed", zap.Error(err))
	}
	gw.Close()
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func (s *Server) sendStoreError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	code := statusFor(kind)
	msg := err.Error()
	if kind == errs.Internal {
		logging.WithContext(r.Context()).Error("request failed", zap.Error(err))
		msg = "internal error"
	}
	s.sendJSON(w, code, protocol.ErrorResponse{
		Error:  msg,
		Code:   code,
		Kind:   kind.String(),
		Reason: string(errs.ReasonOf(err)),
	})
}

func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.InvalidPath, errs.NotADirectory, errs.NotAFile:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Conflict, errs.NotEmpty:
		return http.StatusConflict
	case errs.Forbidden:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}
