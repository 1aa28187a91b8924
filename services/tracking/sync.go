package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"showtrack/models"
)

// AuthContext is the explicit authentication state handed to the sync layer.
// Guest sessions receive an empty, non-subscribed state and never touch the
// store.
type AuthContext struct {
	UserID string
	Guest  bool
}

// Authenticated reports whether there is a user to subscribe for.
func (a AuthContext) Authenticated() bool {
	return !a.Guest && strings.TrimSpace(a.UserID) != ""
}

const writeAttempts = 3

// Sync owns one live store subscription and reconciles its full-replacement
// snapshots into an in-memory map. Scope is either all of a user's shows or a
// single show. Writes apply optimistically to the local map and roll back if
// the store rejects them; durable confirmation arrives through the
// subscription like any other remote change.
type Sync struct {
	store  Store
	log    *slog.Logger
	auth   AuthContext
	showID string // empty means all-shows scope

	mu          sync.RWMutex
	shows       Snapshot
	revs        map[string]uint64
	lastErr     error
	unsubscribe func()
	started     bool
	closed      bool
}

// NewSync creates a sync over all of the user's show-tracking documents.
func NewSync(store Store, auth AuthContext, log *slog.Logger) *Sync {
	return newSync(store, auth, "", log)
}

// NewShowSync creates a sync scoped to a single show's document.
func NewShowSync(store Store, auth AuthContext, showID string, log *slog.Logger) *Sync {
	return newSync(store, auth, strings.TrimSpace(showID), log)
}

func newSync(store Store, auth AuthContext, showID string, log *slog.Logger) *Sync {
	if log == nil {
		log = slog.Default()
	}
	return &Sync{
		store:  store,
		log:    log,
		auth:   auth,
		showID: showID,
		shows:  make(Snapshot),
		revs:   make(map[string]uint64),
	}
}

// Start establishes the subscription. Guest sessions get an immediate empty
// state with no store call. Start is idempotent; a closed sync cannot be
// restarted.
func (s *Sync) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("sync is closed")
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if !s.auth.Authenticated() {
		return nil
	}

	var (
		unsubscribe func()
		err         error
	)
	if s.showID == "" {
		unsubscribe, err = s.store.SubscribeAll(s.auth.UserID, s.applySnapshot, s.recordError)
	} else {
		unsubscribe, err = s.store.SubscribeShow(s.auth.UserID, s.showID, s.applyShowSnapshot, s.recordError)
	}
	if err != nil {
		s.recordError(err)
		return fmt.Errorf("subscribe tracking: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		// Closed while subscribing; tear down immediately.
		s.mu.Unlock()
		unsubscribe()
		return nil
	}
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
	return nil
}

// Close tears the subscription down. Safe to call repeatedly.
func (s *Sync) Close() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.closed = true
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// applySnapshot replaces the whole in-memory map with the delivered state.
// Earlier in-flight local state is discarded, not merged field-by-field.
func (s *Sync) applySnapshot(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for showID, doc := range snap {
		if prev, ok := s.shows[showID]; !ok || !documentsEqual(prev, doc) {
			s.revs[showID]++
		}
	}
	for showID := range s.shows {
		if _, ok := snap[showID]; !ok {
			s.revs[showID]++
		}
	}

	s.shows = snap
	s.lastErr = nil
}

func (s *Sync) applyShowSnapshot(doc *models.TVShowEpisodeTracking) {
	snap := make(Snapshot)
	if doc != nil {
		snap[s.showID] = *doc
	}
	s.applySnapshot(snap)
}

// recordError surfaces a subscription failure alongside the last-known data.
func (s *Sync) recordError(err error) {
	s.log.Warn("tracking subscription error", "user", s.auth.UserID, "error", err)
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// Shows returns a copy of the current snapshot.
func (s *Sync) Shows() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shows.Clone()
}

// Show returns the tracking document for a show, if present.
func (s *Sync) Show(showID string) (models.TVShowEpisodeTracking, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.shows[showID]
	if !ok {
		return models.TVShowEpisodeTracking{}, false
	}
	return copyDocument(doc), true
}

// Revision increments whenever a show's document changes; derived-value
// caches key on it to get write-through invalidation.
func (s *Sync) Revision(showID string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revs[showID]
}

// Err returns the most recent subscription error, or nil. Data returned by
// Shows may be stale while Err is non-nil.
func (s *Sync) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// UserID returns the authenticated user id, empty for guests.
func (s *Sync) UserID() string {
	if !s.auth.Authenticated() {
		return ""
	}
	return s.auth.UserID
}

// MarkWatched records a watch event: optimistic local apply, then a retried
// store write, rolling the local state back if the store rejects it. Marking
// an already-watched episode again only refreshes its watchedAt; the caller
// sees a no-op.
func (s *Sync) MarkWatched(ctx context.Context, showID string, show models.ShowRef, episode models.WatchedEpisode) error {
	if !s.auth.Authenticated() {
		return ErrNotAuthenticated
	}
	showID = strings.TrimSpace(showID)
	if showID == "" {
		return ErrShowIDRequired
	}
	if episode.SeasonNumber < 0 || episode.EpisodeNumber <= 0 {
		return ErrEpisodeIncomplete
	}
	if episode.WatchedAt.IsZero() {
		episode.WatchedAt = time.Now().UTC()
	}
	episode.TVShowID = showID

	restore := s.applyLocal(showID, func(doc *models.TVShowEpisodeTracking) {
		doc.Episodes[episode.Key().String()] = episode
		if strings.TrimSpace(show.Name) != "" {
			doc.Metadata.TVShowName = show.Name
		}
		if strings.TrimSpace(show.PosterPath) != "" {
			doc.Metadata.PosterPath = show.PosterPath
		}
		doc.Metadata.LastUpdated = episode.WatchedAt
		doc.Metadata.NextEpisode = nil
		doc.Metadata.NextEpisodeCached = false
	})

	err := s.writeWithRetry(ctx, func() error {
		return s.store.UpsertEpisode(ctx, s.auth.UserID, showID, show, episode)
	})
	if err != nil {
		restore()
		return fmt.Errorf("mark watched: %w", err)
	}
	return nil
}

// Unwatch removes a watch event. Un-marking an episode that was never
// watched is a no-op with no store call.
func (s *Sync) Unwatch(ctx context.Context, showID string, key models.EpisodeKey) error {
	if !s.auth.Authenticated() {
		return ErrNotAuthenticated
	}
	showID = strings.TrimSpace(showID)
	if showID == "" {
		return ErrShowIDRequired
	}

	s.mu.RLock()
	doc, ok := s.shows[showID]
	watched := ok && doc.Watched(key)
	s.mu.RUnlock()
	if !watched {
		return nil
	}

	restore := s.applyLocal(showID, func(doc *models.TVShowEpisodeTracking) {
		delete(doc.Episodes, key.String())
		doc.Metadata.LastUpdated = time.Now().UTC()
		doc.Metadata.NextEpisode = nil
		doc.Metadata.NextEpisodeCached = false
	})

	err := s.writeWithRetry(ctx, func() error {
		return s.store.DeleteEpisode(ctx, s.auth.UserID, showID, key)
	})
	if err != nil {
		restore()
		return fmt.Errorf("unwatch: %w", err)
	}
	return nil
}

// DropShow deletes all tracking for a show.
func (s *Sync) DropShow(ctx context.Context, showID string) error {
	if !s.auth.Authenticated() {
		return ErrNotAuthenticated
	}
	showID = strings.TrimSpace(showID)
	if showID == "" {
		return ErrShowIDRequired
	}

	s.mu.Lock()
	prev, existed := s.shows[showID]
	delete(s.shows, showID)
	s.revs[showID]++
	s.mu.Unlock()

	err := s.writeWithRetry(ctx, func() error {
		return s.store.DeleteShow(ctx, s.auth.UserID, showID)
	})
	if err != nil {
		if existed {
			s.mu.Lock()
			s.shows[showID] = prev
			s.revs[showID]++
			s.mu.Unlock()
		}
		return fmt.Errorf("drop show: %w", err)
	}
	return nil
}

// CacheNextEpisode writes a resolved next-episode value through to the
// document metadata so other sessions reuse it without re-resolving. A nil
// value marks the viewer caught up. Guests and untracked shows are no-ops.
// The write is a single attempt; a failed cache fill is not worth retrying.
func (s *Sync) CacheNextEpisode(ctx context.Context, showID string, next *models.NextEpisodeInfo) error {
	if !s.auth.Authenticated() {
		return nil
	}
	showID = strings.TrimSpace(showID)
	if showID == "" {
		return ErrShowIDRequired
	}

	s.mu.RLock()
	_, tracked := s.shows[showID]
	s.mu.RUnlock()
	if !tracked {
		return nil
	}

	restore := s.applyLocal(showID, func(doc *models.TVShowEpisodeTracking) {
		doc.Metadata.NextEpisode = next
		doc.Metadata.NextEpisodeCached = true
	})

	if err := s.store.CacheNextEpisode(ctx, s.auth.UserID, showID, next); err != nil {
		restore()
		return fmt.Errorf("cache next episode: %w", err)
	}
	return nil
}

// applyLocal mutates the local copy of one document (pending state) and
// returns a restore func that reinstates the prior value (rolled-back state).
// The committed state arrives via the subscription snapshot.
func (s *Sync) applyLocal(showID string, mutate func(*models.TVShowEpisodeTracking)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.shows[showID]
	doc := models.TVShowEpisodeTracking{Episodes: make(map[string]models.WatchedEpisode)}
	if existed {
		doc = copyDocument(prev)
	}
	mutate(&doc)
	s.shows[showID] = doc
	s.revs[showID]++

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existed {
			s.shows[showID] = prev
		} else {
			delete(s.shows, showID)
		}
		s.revs[showID]++
	}
}

func (s *Sync) writeWithRetry(ctx context.Context, op func() error) error {
	return retry.Do(op,
		retry.Context(ctx),
		retry.Attempts(writeAttempts),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

// documentsEqual compares full documents so every change a snapshot can
// carry, including metadata-only cache fills, bumps the show's revision.
func documentsEqual(a, b models.TVShowEpisodeTracking) bool {
	if len(a.Episodes) != len(b.Episodes) {
		return false
	}
	for k, av := range a.Episodes {
		bv, ok := b.Episodes[k]
		if !ok || !watchedEpisodesEqual(av, bv) {
			return false
		}
	}

	am, bm := a.Metadata, b.Metadata
	return am.TVShowName == bm.TVShowName &&
		am.PosterPath == bm.PosterPath &&
		am.LastUpdated.Equal(bm.LastUpdated) &&
		am.TotalEpisodes == bm.TotalEpisodes &&
		am.AvgRuntime == bm.AvgRuntime &&
		am.NextEpisodeCached == bm.NextEpisodeCached &&
		nextEpisodesEqual(am.NextEpisode, bm.NextEpisode)
}

func watchedEpisodesEqual(a, b models.WatchedEpisode) bool {
	return a.EpisodeID == b.EpisodeID &&
		a.TVShowID == b.TVShowID &&
		a.SeasonNumber == b.SeasonNumber &&
		a.EpisodeNumber == b.EpisodeNumber &&
		a.EpisodeName == b.EpisodeName &&
		a.EpisodeAirDate == b.EpisodeAirDate &&
		a.WatchedAt.Equal(b.WatchedAt)
}

func nextEpisodesEqual(a, b *models.NextEpisodeInfo) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}
