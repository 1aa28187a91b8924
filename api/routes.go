package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"showtrack/handlers"
)

// corsMiddleware handles CORS for API routes
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Register mounts API endpoints onto the provided router.
func Register(r *mux.Router, tracking *handlers.TrackingHandler) {
	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.Use(corsMiddleware)

	apiRouter.HandleFunc("/health", tracking.Health).Methods(http.MethodGet)
	apiRouter.HandleFunc("/continue-watching", tracking.ContinueWatching).Methods(http.MethodGet)
	apiRouter.HandleFunc("/shows/{showID}/progress", tracking.ShowProgress).Methods(http.MethodGet)
	apiRouter.HandleFunc("/shows/{showID}/episodes", tracking.MarkWatched).Methods(http.MethodPost)
	apiRouter.HandleFunc("/shows/{showID}/episodes/{season}/{episode}", tracking.Unwatch).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/shows/{showID}", tracking.DropShow).Methods(http.MethodDelete)
}
