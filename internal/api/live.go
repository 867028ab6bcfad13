package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/zoravur/livejoin/internal/reactive"
)

func handleLiveQueries(w http.ResponseWriter, r *http.Request, reg *reactive.Registry) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(reg.SnapshotView()); err != nil {
		LoggerFrom(r.Context()).Warn("encode live queries", zap.Error(err))
	}
}
