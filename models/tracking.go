package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EpisodeKey identifies an episode within a show by season and episode
// number. It is the sole unique identifier for a watched episode inside a
// tracking document; the store serializes it as "{season}_{episode}".
type EpisodeKey struct {
	Season  int
	Episode int
}

// String renders the store-boundary key format.
func (k EpisodeKey) String() string {
	return fmt.Sprintf("%d_%d", k.Season, k.Episode)
}

// ParseEpisodeKey parses the "{season}_{episode}" store key format.
func ParseEpisodeKey(raw string) (EpisodeKey, error) {
	parts := strings.SplitN(raw, "_", 2)
	if len(parts) != 2 {
		return EpisodeKey{}, fmt.Errorf("invalid episode key %q", raw)
	}
	season, err := strconv.Atoi(parts[0])
	if err != nil {
		return EpisodeKey{}, fmt.Errorf("invalid episode key %q: %w", raw, err)
	}
	episode, err := strconv.Atoi(parts[1])
	if err != nil {
		return EpisodeKey{}, fmt.Errorf("invalid episode key %q: %w", raw, err)
	}
	return EpisodeKey{Season: season, Episode: episode}, nil
}

// WatchedEpisode records a single watch event. Entries are replaced when an
// episode is re-marked (WatchedAt is overwritten) and deleted when unmarked;
// they are never mutated in place.
type WatchedEpisode struct {
	EpisodeID      string    `json:"episodeId,omitempty"`
	TVShowID       string    `json:"tvShowId"`
	SeasonNumber   int       `json:"seasonNumber"`
	EpisodeNumber  int       `json:"episodeNumber"`
	WatchedAt      time.Time `json:"watchedAt"`
	EpisodeName    string    `json:"episodeName,omitempty"`
	EpisodeAirDate string    `json:"episodeAirDate,omitempty"`
}

// Key returns the composite tracking key for this episode.
func (e WatchedEpisode) Key() EpisodeKey {
	return EpisodeKey{Season: e.SeasonNumber, Episode: e.EpisodeNumber}
}

// NextEpisodeInfo is the resolver's output: the next episode to watch.
// Confidence is "exact" when the episode came from loaded season data and
// "approximate" for the season-rollover placeholder, whose air date is the
// next season's own air date rather than a per-episode date.
type NextEpisodeInfo struct {
	Season     int    `json:"season"`
	Episode    int    `json:"episode"`
	Title      string `json:"title,omitempty"`
	AirDate    string `json:"airDate,omitempty"`
	Confidence string `json:"confidence"`
}

// Confidence values for NextEpisodeInfo.
const (
	ConfidenceExact       = "exact"
	ConfidenceApproximate = "approximate"
)

// EpisodeTrackingMetadata carries denormalized display and cache values
// attached to a tracking document. NextEpisode is a cached resolver result:
// nil with NextEpisodeCached false means not yet computed, nil with
// NextEpisodeCached true means the viewer is caught up.
type EpisodeTrackingMetadata struct {
	TVShowName        string           `json:"tvShowName"`
	PosterPath        string           `json:"posterPath,omitempty"`
	LastUpdated       time.Time        `json:"lastUpdated"`
	TotalEpisodes     int              `json:"totalEpisodes,omitempty"`
	AvgRuntime        int              `json:"avgRuntime,omitempty"`
	NextEpisode       *NextEpisodeInfo `json:"nextEpisode,omitempty"`
	NextEpisodeCached bool             `json:"nextEpisodeCached,omitempty"`
}

// TVShowEpisodeTracking is the per-user, per-show tracking document. Episodes
// is keyed by the "{season}_{episode}" form of EpisodeKey; no two entries may
// share a key.
type TVShowEpisodeTracking struct {
	Episodes map[string]WatchedEpisode `json:"episodes"`
	Metadata EpisodeTrackingMetadata   `json:"metadata"`
}

// Watched reports whether the given episode is marked watched.
func (t TVShowEpisodeTracking) Watched(key EpisodeKey) bool {
	_, ok := t.Episodes[key.String()]
	return ok
}

// LastWatched returns the most recently watched episode, or nil when the
// document holds no watch events.
func (t TVShowEpisodeTracking) LastWatched() *WatchedEpisode {
	var last *WatchedEpisode
	for raw, ep := range t.Episodes {
		if _, err := ParseEpisodeKey(raw); err != nil {
			continue
		}
		if last == nil || ep.WatchedAt.After(last.WatchedAt) {
			copied := ep
			last = &copied
		}
	}
	return last
}

// ShowRef carries the display identity sent alongside the first write for a
// show, so the store can populate document metadata.
type ShowRef struct {
	Name       string `json:"name"`
	PosterPath string `json:"posterPath,omitempty"`
}

// SeasonProgress is derived per-season completion state. Never persisted.
type SeasonProgress struct {
	SeasonNumber    int `json:"seasonNumber"`
	WatchedCount    int `json:"watchedCount"`
	TotalCount      int `json:"totalCount"`
	TotalAiredCount int `json:"totalAiredCount"`
	Percentage      int `json:"percentage"`
}

// ShowProgress aggregates all non-special seasons of a show.
type ShowProgress struct {
	Seasons         []SeasonProgress `json:"seasons"`
	WatchedCount    int              `json:"watchedCount"`
	TotalCount      int              `json:"totalCount"`
	TotalAiredCount int              `json:"totalAiredCount"`
	Percentage      int              `json:"percentage"`
}

// InProgressShow is the display-ready merge of a show's identity, progress,
// next episode and last watched pointer. Recomputed on each read.
type InProgressShow struct {
	TVShowID           string           `json:"tvShowId"`
	Name               string           `json:"name"`
	PosterPath         string           `json:"posterPath,omitempty"`
	LastUpdated        time.Time        `json:"lastUpdated"`
	WatchedCount       int              `json:"watchedCount"`
	Progress           *ShowProgress    `json:"progress,omitempty"`
	NextEpisode        *NextEpisodeInfo `json:"nextEpisode,omitempty"`
	LastWatchedEpisode *WatchedEpisode  `json:"lastWatchedEpisode,omitempty"`
	// MetadataUnavailable marks the degraded state where the catalog could
	// not be reached and no cached value existed: watched counts are still
	// populated but Progress and NextEpisode are absent.
	MetadataUnavailable bool `json:"metadataUnavailable,omitempty"`
}
