package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zoravur/livejoin/internal/protocol"
	"github.com/zoravur/livejoin/internal/reactive"
)

// Deps are the shared resources the routes serve.
type Deps struct {
	Publications *protocol.Registry
	Activations  *reactive.Registry
}

func SetupRoutes(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware)

	ws := &WSHandler{Publications: d.Publications}
	r.Get("/ws", ws.HandleWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/live", func(w http.ResponseWriter, r *http.Request) {
			handleLiveQueries(w, r, d.Activations)
		})
		r.Get("/publications", func(w http.ResponseWriter, r *http.Request) {
			handlePublications(w, r, d.Publications)
		})
	})
	r.Get("/healthz", handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
