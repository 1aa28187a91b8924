package enrichment

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"showtrack/models"
	"showtrack/services/progress"
	"showtrack/services/tracking"
)

// TrackingSource is the live tracking state the pipeline reads from,
// implemented by tracking.Sync.
type TrackingSource interface {
	UserID() string
	Shows() tracking.Snapshot
	Revision(showID string) uint64
	Err() error
	CacheNextEpisode(ctx context.Context, showID string, next *models.NextEpisodeInfo) error
}

var _ TrackingSource = (*tracking.Sync)(nil)

// MetadataProvider supplies cached catalog lookups, implemented by
// metadata.Service.
type MetadataProvider interface {
	GetOrFetch(ctx context.Context, showID string) (*models.ShowMetadata, error)
	SeasonEpisodes(ctx context.Context, showID string, season int) ([]models.Episode, error)
}

// Result is a dashboard view: in-progress shows sorted most recently watched
// first. Enriching is true while at least one show's metadata lookup was cut
// short, so presentation layers can render the partial list immediately and
// refine it on the next read.
type Result struct {
	Shows     []models.InProgressShow `json:"shows"`
	Enriching bool                    `json:"enriching"`
	SyncError string                  `json:"syncError,omitempty"`
}

const enrichWorkers = 4

type nextEntry struct {
	rev  uint64
	next *models.NextEpisodeInfo
}

// Service combines live tracking state with lazy metadata lookups into
// display-ready records. Next-episode values are memoized per show revision,
// so any tracking change invalidates them.
type Service struct {
	meta MetadataProvider
	log  *slog.Logger

	mu        sync.Mutex
	nextCache map[string]nextEntry // "userID/showID" -> memoized resolver output
}

func NewService(meta MetadataProvider, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		meta:      meta,
		log:       log,
		nextCache: make(map[string]nextEntry),
	}
}

// ContinueWatching builds the dashboard list for the source's user. Metadata
// is fetched only for shows actually present in the list, in parallel with a
// bounded worker pool. A show whose catalog data cannot be loaded still
// appears with its raw watched count.
func (s *Service) ContinueWatching(ctx context.Context, src TrackingSource) Result {
	snap := src.Shows()
	now := time.Now()

	type slot struct {
		show      models.InProgressShow
		enriching bool
		ok        bool
	}
	slots := make([]slot, 0, len(snap))
	ids := make([]string, 0, len(snap))
	for showID, doc := range snap {
		if len(doc.Episodes) == 0 {
			continue
		}
		ids = append(ids, showID)
		slots = append(slots, slot{})
	}

	p := pool.New().WithMaxGoroutines(enrichWorkers)
	for i, showID := range ids {
		i, showID := i, showID
		doc := snap[showID]
		p.Go(func() {
			show, enriching := s.buildShow(ctx, src, showID, doc, now)
			slots[i] = slot{show: show, enriching: enriching, ok: true}
		})
	}
	p.Wait()

	result := Result{Shows: make([]models.InProgressShow, 0, len(slots))}
	for _, sl := range slots {
		if !sl.ok {
			continue
		}
		result.Shows = append(result.Shows, sl.show)
		if sl.enriching {
			result.Enriching = true
		}
	}

	sort.Slice(result.Shows, func(i, j int) bool {
		a, b := result.Shows[i], result.Shows[j]
		if !a.LastUpdated.Equal(b.LastUpdated) {
			return a.LastUpdated.After(b.LastUpdated)
		}
		return a.TVShowID < b.TVShowID
	})

	if err := src.Err(); err != nil {
		result.SyncError = err.Error()
	}
	return result
}

// ErrShowNotTracked is returned when the user has no watch events for the show.
var ErrShowNotTracked = errors.New("show is not tracked")

// ShowView builds the single-show detail record.
func (s *Service) ShowView(ctx context.Context, src TrackingSource, showID string) (models.InProgressShow, error) {
	snap := src.Shows()
	doc, ok := snap[showID]
	if !ok {
		return models.InProgressShow{}, ErrShowNotTracked
	}
	show, _ := s.buildShow(ctx, src, showID, doc, time.Now())
	return show, nil
}

func (s *Service) buildShow(ctx context.Context, src TrackingSource, showID string, doc models.TVShowEpisodeTracking, now time.Time) (models.InProgressShow, bool) {
	show := models.InProgressShow{
		TVShowID:           showID,
		Name:               doc.Metadata.TVShowName,
		PosterPath:         doc.Metadata.PosterPath,
		LastUpdated:        doc.Metadata.LastUpdated,
		WatchedCount:       watchedCount(doc),
		LastWatchedEpisode: doc.LastWatched(),
	}

	meta, err := s.meta.GetOrFetch(ctx, showID)
	if err != nil {
		// Abandoned mid-fetch (caller gone) reads as still enriching; a real
		// catalog failure degrades to counts only.
		if ctx.Err() != nil {
			return show, true
		}
		s.log.Warn("continue watching degraded to counts only", "show", showID, "error", err)
		show.MetadataUnavailable = true
		return show, false
	}

	seasons := meta.Seasons
	if show.LastWatchedEpisode != nil {
		seasons = s.withSeasonEpisodes(ctx, showID, seasons, show.LastWatchedEpisode.SeasonNumber)
	}

	sp := progress.ComputeShowProgress(doc, seasons, now)
	show.Progress = &sp
	show.NextEpisode = s.nextEpisode(ctx, src, showID, doc, seasons, now)
	return show, false
}

// nextEpisode resolves the next episode to watch, memoized on the show's
// tracking revision. The document's own cached value is honored when present.
func (s *Service) nextEpisode(ctx context.Context, src TrackingSource, showID string, doc models.TVShowEpisodeTracking, seasons []models.SeasonMetadata, now time.Time) *models.NextEpisodeInfo {
	rev := src.Revision(showID)
	key := src.UserID() + "/" + showID

	s.mu.Lock()
	entry, ok := s.nextCache[key]
	s.mu.Unlock()
	if ok && entry.rev == rev {
		return entry.next
	}

	var next *models.NextEpisodeInfo
	switch {
	case doc.Metadata.NextEpisodeCached:
		next = doc.Metadata.NextEpisode
	default:
		last := doc.LastWatched()
		if last == nil {
			return nil
		}
		var episodes []models.Episode
		for _, season := range seasons {
			if season.SeasonNumber == last.SeasonNumber {
				episodes = season.Episodes
				break
			}
		}
		next = progress.ComputeNextEpisode(last.Key(), episodes, seasons, now)
		// Write the freshly resolved value through to the document so other
		// sessions can reuse it without re-resolving. Best effort.
		if err := src.CacheNextEpisode(ctx, showID, next); err != nil {
			s.log.Warn("next episode write-through failed", "show", showID, "error", err)
		}
	}

	s.mu.Lock()
	s.nextCache[key] = nextEntry{rev: rev, next: next}
	s.mu.Unlock()
	return next
}

// withSeasonEpisodes attaches the episode list of one season so aired counts
// and next-episode resolution see real air dates for the season currently
// being watched. Failure to load the list is tolerated; the aggregator falls
// back to declared episode counts.
func (s *Service) withSeasonEpisodes(ctx context.Context, showID string, seasons []models.SeasonMetadata, seasonNumber int) []models.SeasonMetadata {
	episodes, err := s.meta.SeasonEpisodes(ctx, showID, seasonNumber)
	if err != nil {
		s.log.Warn("season episode list unavailable", "show", showID, "season", seasonNumber, "error", err)
		return seasons
	}

	out := make([]models.SeasonMetadata, len(seasons))
	copy(out, seasons)
	for i := range out {
		if out[i].SeasonNumber == seasonNumber {
			out[i].Episodes = episodes
		}
	}
	return out
}

func watchedCount(doc models.TVShowEpisodeTracking) int {
	count := 0
	for raw := range doc.Episodes {
		if _, err := models.ParseEpisodeKey(raw); err == nil {
			count++
		}
	}
	return count
}
