package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"showtrack/models"
	"showtrack/services/enrichment"
	"showtrack/services/tracking"
)

// userHeader carries the authenticated user id, set by the fronting auth
// layer. Authentication itself is out of scope here; an absent header means
// a guest session.
const userHeader = "X-User-ID"

// TrackingHandler exposes the watch-progress engine over HTTP.
type TrackingHandler struct {
	Manager *tracking.Manager
	Enrich  *enrichment.Service
}

func NewTrackingHandler(manager *tracking.Manager, enrich *enrichment.Service) *TrackingHandler {
	return &TrackingHandler{Manager: manager, Enrich: enrich}
}

func (h *TrackingHandler) auth(r *http.Request) tracking.AuthContext {
	userID := strings.TrimSpace(r.Header.Get(userHeader))
	return tracking.AuthContext{UserID: userID, Guest: userID == ""}
}

// markEpisodePayload is the mark-watched request body.
type markEpisodePayload struct {
	SeasonNumber   int        `json:"seasonNumber"`
	EpisodeNumber  int        `json:"episodeNumber"`
	EpisodeID      string     `json:"episodeId,omitempty"`
	EpisodeName    string     `json:"episodeName,omitempty"`
	EpisodeAirDate string     `json:"episodeAirDate,omitempty"`
	WatchedAt      *time.Time `json:"watchedAt,omitempty"`
	ShowName       string     `json:"showName,omitempty"`
	PosterPath     string     `json:"posterPath,omitempty"`
}

// MarkWatched handles POST /api/shows/{showID}/episodes.
func (h *TrackingHandler) MarkWatched(w http.ResponseWriter, r *http.Request) {
	auth := h.auth(r)
	if auth.Guest {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	showID := strings.TrimSpace(mux.Vars(r)["showID"])
	var payload markEpisodePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sync, err := h.Manager.ForUser(auth)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	episode := models.WatchedEpisode{
		EpisodeID:      payload.EpisodeID,
		SeasonNumber:   payload.SeasonNumber,
		EpisodeNumber:  payload.EpisodeNumber,
		EpisodeName:    payload.EpisodeName,
		EpisodeAirDate: payload.EpisodeAirDate,
	}
	if payload.WatchedAt != nil {
		episode.WatchedAt = *payload.WatchedAt
	}
	show := models.ShowRef{Name: payload.ShowName, PosterPath: payload.PosterPath}

	if err := sync.MarkWatched(r.Context(), showID, show, episode); err != nil {
		http.Error(w, err.Error(), writeStatus(err))
		return
	}

	doc, _ := sync.Show(showID)
	writeJSON(w, doc)
}

// Unwatch handles DELETE /api/shows/{showID}/episodes/{season}/{episode}.
func (h *TrackingHandler) Unwatch(w http.ResponseWriter, r *http.Request) {
	auth := h.auth(r)
	if auth.Guest {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	vars := mux.Vars(r)
	showID := strings.TrimSpace(vars["showID"])
	season, err1 := strconv.Atoi(vars["season"])
	episode, err2 := strconv.Atoi(vars["episode"])
	if err1 != nil || err2 != nil {
		http.Error(w, "invalid season or episode number", http.StatusBadRequest)
		return
	}

	sync, err := h.Manager.ForUser(auth)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	key := models.EpisodeKey{Season: season, Episode: episode}
	if err := sync.Unwatch(r.Context(), showID, key); err != nil {
		http.Error(w, err.Error(), writeStatus(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ShowProgress handles GET /api/shows/{showID}/progress.
func (h *TrackingHandler) ShowProgress(w http.ResponseWriter, r *http.Request) {
	auth := h.auth(r)
	showID := strings.TrimSpace(mux.Vars(r)["showID"])

	sync, err := h.Manager.ForUser(auth)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	view, err := h.Enrich.ShowView(r.Context(), sync, showID)
	if err != nil {
		if errors.Is(err, enrichment.ErrShowNotTracked) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, view)
}

// ContinueWatching handles GET /api/continue-watching. Guests receive an
// empty list immediately.
func (h *TrackingHandler) ContinueWatching(w http.ResponseWriter, r *http.Request) {
	auth := h.auth(r)

	sync, err := h.Manager.ForUser(auth)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.Enrich.ContinueWatching(r.Context(), sync))
}

// DropShow handles DELETE /api/shows/{showID}.
func (h *TrackingHandler) DropShow(w http.ResponseWriter, r *http.Request) {
	auth := h.auth(r)
	if auth.Guest {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	showID := strings.TrimSpace(mux.Vars(r)["showID"])

	sync, err := h.Manager.ForUser(auth)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := sync.DropShow(r.Context(), showID); err != nil {
		http.Error(w, err.Error(), writeStatus(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /api/health.
func (h *TrackingHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeStatus(err error) int {
	switch {
	case errors.Is(err, tracking.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, tracking.ErrShowIDRequired),
		errors.Is(err, tracking.ErrEpisodeIncomplete),
		errors.Is(err, tracking.ErrUserIDRequired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
