// Package web serves the optional board single-page UI alongside the
// JSON API. Unknown paths fall back to index.html so client-side
// routes deep-link.
package web

import (
	"io"
	"io/fs"
	"net/http"
	"strings"
)

type UIOptions struct {
	APIPrefix string // default "/api"
}

// RegisterUI mounts the board UI at "/" when assets are available.
// It reports whether the handler was mounted; without an index.html
// the server stays API-only.
func RegisterUI(mux *http.ServeMux, assets fs.FS, opts UIOptions) bool {
	if assets == nil {
		return false
	}
	if _, err := assets.Open("index.html"); err != nil {
		return false
	}

	apiPrefix := opts.APIPrefix
	if apiPrefix == "" {
		apiPrefix = "/api"
	}

	fileServer := http.FileServer(http.FS(assets))
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, apiPrefix) {
			http.NotFound(w, r)
			return
		}

		path := strings.TrimPrefix(r.URL.Path, "/")
		if path == "" {
			path = "index.html"
		}

		f, err := assets.Open(path)
		if err != nil {
			serveIndex(w, assets)
			return
		}
		_ = f.Close()
		fileServer.ServeHTTP(w, r)
	}))
	return true
}

func serveIndex(w http.ResponseWriter, assets fs.FS) {
	index, err := assets.Open("index.html")
	if err != nil {
		http.NotFound(w, &http.Request{})
		return
	}
	defer func() { _ = index.Close() }()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.Copy(w, index)
}
