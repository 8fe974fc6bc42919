// Package staticassets serves the embedded browser client: a single-page
// app with an SPA fallback for any path that isn't a known static file.
package staticassets

import (
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/termcode/termcode/web"
)

var extraContentTypes = map[string]string{
	".js":    "application/javascript; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".html":  "text/html; charset=utf-8",
	".map":   "application/json; charset=utf-8",
	".svg":   "image/svg+xml",
	".woff2": "font/woff2",
}

// Register mounts the static-asset fallback on mux: any GET that isn't
// claimed by another route falls through here, serves the matching file
// under dist/ if one exists, and otherwise serves dist/index.html so the
// SPA's client-side router can take over.
func Register(mux *http.ServeMux) {
	sub, err := fs.Sub(web.FS, "dist")
	if err != nil {
		panic("staticassets: embedded dist directory missing: " + err.Error())
	}
	s := &server{fs: sub}
	mux.HandleFunc("GET /", s.handle)
}

type server struct {
	fs fs.FS
}

func (s *server) handle(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/")
	if name == "" {
		name = "index.html"
	}

	f, err := s.fs.Open(name)
	if err != nil {
		s.serveIndex(w, r)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil || stat.IsDir() {
		s.serveIndex(w, r)
		return
	}

	if ct, ok := extraContentTypes[strings.ToLower(path.Ext(name))]; ok {
		w.Header().Set("Content-Type", ct)
	}
	rs, ok := f.(io.ReadSeeker)
	if !ok {
		s.serveIndex(w, r)
		return
	}
	http.ServeContent(w, r, name, stat.ModTime(), rs)
}

func (s *server) serveIndex(w http.ResponseWriter, r *http.Request) {
	f, err := s.fs.Open("index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer f.Close()
	stat, _ := f.Stat()
	rs, ok := f.(io.ReadSeeker)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.ServeContent(w, r, "index.html", stat.ModTime(), rs)
}
