package middleware

import (
	"net/http"
	"os"
)

// SpecFile serves the OpenAPI document from path, falling back to the copy
// compiled into the binary when the file is not deployed next to it.
func SpecFile(path string, embedded []byte) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := os.Stat(path); err == nil {
			w.Header().Set("Cache-Control", "public, max-age=300")
			http.ServeFile(w, r, path)
			return
		}

		w.Header().Set("Content-Type", "application/yaml")
		w.Header().Set("Cache-Control", "public, max-age=300")
		w.Write(embedded)
	})
}
