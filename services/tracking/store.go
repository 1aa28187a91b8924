package tracking

import (
	"context"
	"errors"

	"showtrack/models"
)

var (
	ErrUserIDRequired    = errors.New("user id is required")
	ErrShowIDRequired    = errors.New("show id is required")
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrEpisodeIncomplete = errors.New("episode season and number are required")
)

// Snapshot is a full-replacement view of tracking documents keyed by show id.
// Every subscription delivery carries the complete current state for its
// scope; consumers replace, never merge.
type Snapshot map[string]models.TVShowEpisodeTracking

// Clone returns a deep-enough copy for handing across goroutine boundaries.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for showID, doc := range s {
		episodes := make(map[string]models.WatchedEpisode, len(doc.Episodes))
		for k, v := range doc.Episodes {
			episodes[k] = v
		}
		doc.Episodes = episodes
		out[showID] = doc
	}
	return out
}

// Store is the per-user, per-show tracking document store. Subscriptions
// deliver the current state immediately on registration and a fresh
// full-replacement snapshot after every change; the returned function tears
// the subscription down and is safe to call more than once.
type Store interface {
	FetchOne(ctx context.Context, userID, showID string) (*models.TVShowEpisodeTracking, error)
	FetchAll(ctx context.Context, userID string) (Snapshot, error)
	SubscribeAll(userID string, onChange func(Snapshot), onError func(error)) (func(), error)
	SubscribeShow(userID, showID string, onChange func(*models.TVShowEpisodeTracking), onError func(error)) (func(), error)
	UpsertEpisode(ctx context.Context, userID, showID string, show models.ShowRef, episode models.WatchedEpisode) error
	DeleteEpisode(ctx context.Context, userID, showID string, key models.EpisodeKey) error
	DeleteShow(ctx context.Context, userID, showID string) error
	CacheNextEpisode(ctx context.Context, userID, showID string, next *models.NextEpisodeInfo) error
}
