package webdav

import (
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"github.com/fruitsalade/vault/internal/logging"
)

// Prefix is where the handler is mounted.
const Prefix = "/webdav"

// NewHandler creates a WebDAV HTTP handler over s. PUT bodies that declare a
// length above the store's limit are refused with 413 before any byte is
// read; undeclared lengths are capped while buffering.
func NewHandler(s Store) http.Handler {
	dav := &webdav.Handler{
		FileSystem: NewFS(s),
		LockSystem: webdav.NewMemLS(),
		Prefix:     Prefix,
		Logger: func(r *http.Request, err error) {
			if err != nil {
				logging.WithContext(r.Context()).Debug("webdav request failed",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Error(err))
			}
		},
	}

	limit := s.MaxContentSize()
	if limit <= 0 {
		return dav
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && r.ContentLength > limit {
			logging.WithContext(r.Context()).Debug("webdav upload too large",
				zap.String("path", r.URL.Path),
				zap.Int64("content_length", r.ContentLength),
				zap.Int64("limit", limit))
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}
		dav.ServeHTTP(w, r)
	})
}
