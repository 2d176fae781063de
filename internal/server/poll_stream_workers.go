//go:build js && wasm

package server

import (
	"net/http"
)

// Workers cannot hijack the connection; clients poll GET /v1/orders/{ref}/poll instead.
func (s *Server) pollStreamHandler(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "poll streaming is not supported in js/wasm builds", http.StatusNotImplemented)
}
