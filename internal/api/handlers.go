package api

import (
	"encoding/json"
	"net/http"

	"github.com/zoravur/livejoin/internal/protocol"
)

func handlePublications(w http.ResponseWriter, r *http.Request, pubs *protocol.Registry) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"publications": pubs.Names()})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
