package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"showtrack/models"
)

// ErrUnavailable is returned when the catalog cannot be reached and no cached
// value exists. Callers degrade to showing raw watched counts without
// percentages.
var ErrUnavailable = errors.New("metadata unavailable")

var ErrShowIDRequired = errors.New("show id is required")

const defaultTTL = 30 * time.Minute

type cachedShow struct {
	meta      *models.ShowMetadata
	expiresAt time.Time
}

type cachedSeason struct {
	episodes  []models.Episode
	expiresAt time.Time
}

type catalogClient interface {
	showDetails(ctx context.Context, showID string) (*models.ShowMetadata, error)
	seasonEpisodes(ctx context.Context, showID string, season int) ([]models.Episode, error)
}

// Service memoizes catalog lookups with a staleness window. Concurrent reads
// for the same key during an in-flight fetch share the single outstanding
// request. On fetch failure the last-known-good value is served if present
// (stale-while-error).
type Service struct {
	client catalogClient
	log    *slog.Logger
	ttl    time.Duration
	group  singleflight.Group

	mu      sync.RWMutex
	shows   map[string]*cachedShow
	seasons map[string]*cachedSeason
}

// NewService builds a TMDB-backed metadata service. ttl <= 0 selects the
// default staleness window.
func NewService(apiKey, language string, ttl time.Duration, httpc *http.Client, log *slog.Logger) *Service {
	return newService(newTMDBClient(apiKey, language, httpc), ttl, log)
}

func newService(client catalogClient, ttl time.Duration, log *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		client:  client,
		log:     log,
		ttl:     ttl,
		shows:   make(map[string]*cachedShow),
		seasons: make(map[string]*cachedSeason),
	}
}

// GetOrFetch returns the show's catalog summary, fetching when the cached
// value is absent or past its staleness window.
func (s *Service) GetOrFetch(ctx context.Context, showID string) (*models.ShowMetadata, error) {
	showID = strings.TrimSpace(showID)
	if showID == "" {
		return nil, ErrShowIDRequired
	}

	s.mu.RLock()
	cached, ok := s.shows[showID]
	s.mu.RUnlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.meta, nil
	}

	// Stale or missing; fetch once regardless of how many callers arrive.
	result, err, _ := s.group.Do("show:"+showID, func() (any, error) {
		meta, err := s.client.showDetails(ctx, showID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.shows[showID] = &cachedShow{meta: meta, expiresAt: time.Now().Add(s.ttl)}
		s.mu.Unlock()
		return meta, nil
	})
	if err != nil {
		if ok {
			s.log.Warn("metadata fetch failed, serving stale value", "show", showID, "error", err)
			return cached.meta, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return result.(*models.ShowMetadata), nil
}

// SeasonEpisodes returns a season's episode list with the same caching,
// coalescing and stale-while-error semantics as GetOrFetch.
func (s *Service) SeasonEpisodes(ctx context.Context, showID string, season int) ([]models.Episode, error) {
	showID = strings.TrimSpace(showID)
	if showID == "" {
		return nil, ErrShowIDRequired
	}

	key := fmt.Sprintf("season:%s:%d", showID, season)

	s.mu.RLock()
	cached, ok := s.seasons[key]
	s.mu.RUnlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.episodes, nil
	}

	result, err, _ := s.group.Do(key, func() (any, error) {
		episodes, err := s.client.seasonEpisodes(ctx, showID, season)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.seasons[key] = &cachedSeason{episodes: episodes, expiresAt: time.Now().Add(s.ttl)}
		s.mu.Unlock()
		return episodes, nil
	})
	if err != nil {
		if ok {
			s.log.Warn("season fetch failed, serving stale value", "show", showID, "season", season, "error", err)
			return cached.episodes, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return result.([]models.Episode), nil
}
