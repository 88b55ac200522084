package web

import (
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
)

func TestRegisterUI(t *testing.T) {
	assets := fstest.MapFS{
		"index.html":     {Data: []byte("<html><body>board</body></html>")},
		"assets/app.js":  {Data: []byte("console.log('ok');")},
		"assets/app.css": {Data: []byte("body{background:#fff;}")},
	}

	mux := http.NewServeMux()
	mounted := RegisterUI(mux, assets, UIOptions{APIPrefix: "/api"})
	if !mounted {
		t.Fatalf("expected UI handler to mount")
	}

	check := func(path string, wantStatus int, wantBodyContains string) {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code != wantStatus {
			t.Fatalf("path %s: expected status %d, got %d", path, wantStatus, rr.Code)
		}
		if wantBodyContains != "" && !strings.Contains(rr.Body.String(), wantBodyContains) {
			t.Fatalf("path %s: expected body to contain %q, got %q", path, wantBodyContains, rr.Body.String())
		}
	}

	check("/", http.StatusOK, "board")
	check("/assets/app.js", http.StatusOK, "console.log")
	check("/tickets/AB-12", http.StatusOK, "board")
	check("/api/v1/board", http.StatusNotFound, "404")
}

func TestRegisterUIMissingIndex(t *testing.T) {
	assets := fstest.MapFS{
		"assets/app.js": {Data: []byte("console.log('ok');")},
	}

	mux := http.NewServeMux()
	if RegisterUI(mux, fs.FS(assets), UIOptions{}) {
		t.Fatalf("expected UI handler not to mount without index.html")
	}
}
