package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"showtrack/api"
	"showtrack/handlers"
	"showtrack/models"
	"showtrack/services/enrichment"
	"showtrack/services/tracking"
)

// fakeCatalog serves fixed metadata so requests exercise the full path from
// router to store without the real TMDB client.
type fakeCatalog struct {
	unavailable bool
}

func (f *fakeCatalog) GetOrFetch(ctx context.Context, showID string) (*models.ShowMetadata, error) {
	if f.unavailable {
		return nil, errors.New("catalog down")
	}
	return &models.ShowMetadata{
		TotalEpisodes: 19,
		AvgRuntime:    45,
		Seasons: []models.SeasonMetadata{
			{SeasonNumber: 1, Name: "Season 1", EpisodeCount: 9},
			{SeasonNumber: 2, Name: "Season 2", EpisodeCount: 10, AirDate: "2025-01-17"},
		},
	}, nil
}

func (f *fakeCatalog) SeasonEpisodes(ctx context.Context, showID string, season int) ([]models.Episode, error) {
	if f.unavailable {
		return nil, errors.New("catalog down")
	}
	episodes := make([]models.Episode, 0, 9)
	for i := 1; i <= 9; i++ {
		episodes = append(episodes, models.Episode{
			SeasonNumber:  season,
			EpisodeNumber: i,
			Name:          "Episode",
			AirDate:       "2022-02-18",
		})
	}
	return episodes, nil
}

func newTestRouter(t *testing.T, catalog *fakeCatalog) *mux.Router {
	t.Helper()

	store, err := tracking.NewFileStore(afero.NewMemMapFs(), "data")
	require.NoError(t, err)

	manager := tracking.NewManager(store, nil)
	t.Cleanup(manager.Close)

	handler := handlers.NewTrackingHandler(manager, enrichment.NewService(catalog, nil))
	router := mux.NewRouter()
	api.Register(router, handler)
	return router
}

func doRequest(router *mux.Router, method, path, userID string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func markBody(season, episode int) map[string]any {
	return map[string]any{
		"seasonNumber":  season,
		"episodeNumber": episode,
		"episodeName":   "Episode",
		"showName":      "Severance",
		"posterPath":    "/poster.jpg",
	}
}

func TestMarkWatched(t *testing.T) {
	router := newTestRouter(t, &fakeCatalog{})

	rec := doRequest(router, http.MethodPost, "/api/shows/42/episodes", "alice", markBody(2, 5))
	require.Equal(t, http.StatusOK, rec.Code)

	var doc models.TVShowEpisodeTracking
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Contains(t, doc.Episodes, "2_5")
	require.Equal(t, "Severance", doc.Metadata.TVShowName)
	require.False(t, doc.Metadata.NextEpisodeCached)
}

func TestMarkWatchedRequiresAuth(t *testing.T) {
	router := newTestRouter(t, &fakeCatalog{})

	rec := doRequest(router, http.MethodPost, "/api/shows/42/episodes", "", markBody(1, 1))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMarkWatchedRejectsBadBody(t *testing.T) {
	router := newTestRouter(t, &fakeCatalog{})

	req := httptest.NewRequest(http.MethodPost, "/api/shows/42/episodes", bytes.NewReader([]byte("{not json")))
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarkWatchedRejectsIncompleteEpisode(t *testing.T) {
	router := newTestRouter(t, &fakeCatalog{})

	rec := doRequest(router, http.MethodPost, "/api/shows/42/episodes", "alice", markBody(1, 0))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnwatch(t *testing.T) {
	router := newTestRouter(t, &fakeCatalog{})

	rec := doRequest(router, http.MethodPost, "/api/shows/42/episodes", "alice", markBody(1, 1))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, http.MethodDelete, "/api/shows/42/episodes/1/1", "alice", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Idempotent: un-marking again is still a 204.
	rec = doRequest(router, http.MethodDelete, "/api/shows/42/episodes/1/1", "alice", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestUnwatchRejectsBadNumbers(t *testing.T) {
	router := newTestRouter(t, &fakeCatalog{})

	rec := doRequest(router, http.MethodDelete, "/api/shows/42/episodes/one/1", "alice", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestShowProgress(t *testing.T) {
	router := newTestRouter(t, &fakeCatalog{})

	for episode := 1; episode <= 3; episode++ {
		rec := doRequest(router, http.MethodPost, "/api/shows/42/episodes", "alice", markBody(1, episode))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doRequest(router, http.MethodGet, "/api/shows/42/progress", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var show models.InProgressShow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &show))
	require.Equal(t, "42", show.TVShowID)
	require.Equal(t, 3, show.WatchedCount)
	require.NotNil(t, show.Progress)
	require.Equal(t, 19, show.Progress.TotalCount)
	require.NotNil(t, show.NextEpisode)
	require.Equal(t, 4, show.NextEpisode.Episode)
}

func TestShowProgressUntracked(t *testing.T) {
	router := newTestRouter(t, &fakeCatalog{})

	rec := doRequest(router, http.MethodGet, "/api/shows/42/progress", "alice", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestShowProgressDegradesWithoutCatalog(t *testing.T) {
	router := newTestRouter(t, &fakeCatalog{unavailable: true})

	rec := doRequest(router, http.MethodPost, "/api/shows/42/episodes", "alice", markBody(1, 1))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/shows/42/progress", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var show models.InProgressShow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &show))
	require.True(t, show.MetadataUnavailable)
	require.Equal(t, 1, show.WatchedCount)
	require.Nil(t, show.Progress)
}

func TestContinueWatching(t *testing.T) {
	router := newTestRouter(t, &fakeCatalog{})

	rec := doRequest(router, http.MethodPost, "/api/shows/42/episodes", "alice", markBody(1, 1))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/continue-watching", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result enrichment.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Shows, 1)
	require.Equal(t, "Severance", result.Shows[0].Name)
	require.False(t, result.Enriching)
}

func TestContinueWatchingGuestGetsEmptyList(t *testing.T) {
	router := newTestRouter(t, &fakeCatalog{})

	// Seed another user's data to prove isolation.
	rec := doRequest(router, http.MethodPost, "/api/shows/42/episodes", "alice", markBody(1, 1))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/continue-watching", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result enrichment.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Empty(t, result.Shows)
}

func TestDropShow(t *testing.T) {
	router := newTestRouter(t, &fakeCatalog{})

	rec := doRequest(router, http.MethodPost, "/api/shows/42/episodes", "alice", markBody(1, 1))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, http.MethodDelete, "/api/shows/42", "alice", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/shows/42/progress", "alice", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDropShowRequiresAuth(t *testing.T) {
	router := newTestRouter(t, &fakeCatalog{})

	rec := doRequest(router, http.MethodDelete, "/api/shows/42", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUsersAreIsolated(t *testing.T) {
	router := newTestRouter(t, &fakeCatalog{})

	rec := doRequest(router, http.MethodPost, "/api/shows/42/episodes", "alice", markBody(1, 1))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/shows/42/progress", "bob", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t, &fakeCatalog{})

	rec := doRequest(router, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCORSHeaders(t *testing.T) {
	router := newTestRouter(t, &fakeCatalog{})

	rec := doRequest(router, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
