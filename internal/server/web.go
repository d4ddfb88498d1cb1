package server

import (
	_ "embed"
	"net/http"
)

//go:embed index.html
var indexPage []byte

func (h *handler) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(indexPage)
}
