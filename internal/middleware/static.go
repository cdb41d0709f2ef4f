package middleware

import (
	"net/http"
	"os"
	"path/filepath"
)

// StaticFileServer serves files out of dir with long-lived caching,
// answering 404 for anything missing instead of listing the directory.
func StaticFileServer(dir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(dir, filepath.Clean("/"+r.URL.Path))

		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Cache-Control", "public, max-age=2592000")
		http.ServeFile(w, r, path)
	})
}
