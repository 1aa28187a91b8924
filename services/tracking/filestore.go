package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"showtrack/models"
)

// FileStore is a JSON-document implementation of Store: one file per user,
// written atomically, with an in-process change notifier standing in for the
// hosted store's push channel. The filesystem is abstracted so tests can run
// against an in-memory afero.Fs.
type FileStore struct {
	fs  afero.Fs
	dir string

	mu   sync.RWMutex
	docs map[string]Snapshot // userID -> showID -> document
	seq  uint64

	subMu     sync.Mutex
	subs      map[string]*subscriber
	delivered map[string]uint64 // userID -> last delivered seq
}

type subscriber struct {
	userID       string
	showID       string // empty for all-shows scope
	onChange     func(Snapshot)
	onShowChange func(*models.TVShowEpisodeTracking)
	onError      func(error)
}

// NewFileStore creates the storage directory if needed.
func NewFileStore(fs afero.Fs, dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("storage directory not provided")
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tracking dir: %w", err)
	}
	return &FileStore{
		fs:        fs,
		dir:       dir,
		docs:      make(map[string]Snapshot),
		subs:      make(map[string]*subscriber),
		delivered: make(map[string]uint64),
	}, nil
}

func (s *FileStore) FetchOne(ctx context.Context, userID, showID string) (*models.TVShowEpisodeTracking, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	showID = strings.TrimSpace(showID)
	if showID == "" {
		return nil, ErrShowIDRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	perUser, err := s.ensureUserLocked(userID)
	if err != nil {
		return nil, err
	}
	doc, ok := perUser[showID]
	if !ok {
		return nil, nil
	}
	copied := copyDocument(doc)
	return &copied, nil
}

func (s *FileStore) FetchAll(ctx context.Context, userID string) (Snapshot, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	perUser, err := s.ensureUserLocked(userID)
	if err != nil {
		return nil, err
	}
	return perUser.Clone(), nil
}

// SubscribeAll registers for full-snapshot deliveries of every tracking
// document the user owns. The current state is delivered synchronously before
// SubscribeAll returns.
func (s *FileStore) SubscribeAll(userID string, onChange func(Snapshot), onError func(error)) (func(), error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	sub := &subscriber{userID: userID, onChange: onChange, onError: onError}
	return s.subscribe(sub, func(snap Snapshot) {
		onChange(snap)
	})
}

// SubscribeShow is the single-show variant of SubscribeAll. The callback
// receives nil when the document does not exist or was deleted.
func (s *FileStore) SubscribeShow(userID, showID string, onChange func(*models.TVShowEpisodeTracking), onError func(error)) (func(), error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	showID = strings.TrimSpace(showID)
	if showID == "" {
		return nil, ErrShowIDRequired
	}

	sub := &subscriber{userID: userID, showID: showID, onShowChange: onChange, onError: onError}
	return s.subscribe(sub, func(snap Snapshot) {
		if doc, ok := snap[showID]; ok {
			copied := copyDocument(doc)
			onChange(&copied)
		} else {
			onChange(nil)
		}
	})
}

// subscribe registers the subscriber and delivers the current state while
// holding subMu, the lock every notification is serialized under. A write
// committing during registration either lands in the captured snapshot (its
// later notification is dropped by the sequence gate) or is notified after
// the initial delivery, so an initial snapshot can never follow a newer one.
func (s *FileStore) subscribe(sub *subscriber, deliver func(Snapshot)) (func(), error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.mu.Lock()
	perUser, err := s.ensureUserLocked(sub.userID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	snap := perUser.Clone()
	seq := s.seq
	s.mu.Unlock()

	id := uuid.NewString()
	s.subs[id] = sub
	if seq > s.delivered[sub.userID] {
		s.delivered[sub.userID] = seq
	}
	deliver(snap)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}, nil
}

// UpsertEpisode writes one watch event into the show's document, creating the
// document on first write. The document's lastUpdated advances and any cached
// next-episode value is invalidated, since the resolver's output depends on
// watched state.
func (s *FileStore) UpsertEpisode(ctx context.Context, userID, showID string, show models.ShowRef, episode models.WatchedEpisode) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrUserIDRequired
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
	} else {
		episode.WatchedAt = episode.WatchedAt.UTC()
	}
	episode.TVShowID = showID

	s.mu.Lock()
	perUser, err := s.ensureUserLocked(userID)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	doc, ok := perUser[showID]
	if !ok {
		doc = models.TVShowEpisodeTracking{Episodes: make(map[string]models.WatchedEpisode)}
	}
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
	perUser[showID] = doc

	seq, snap, err := s.commitLocked(userID)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.notify(userID, seq, snap)
	return nil
}

// DeleteEpisode removes exactly the given key. Deleting an absent key is a
// no-op and triggers no snapshot delivery.
func (s *FileStore) DeleteEpisode(ctx context.Context, userID, showID string, key models.EpisodeKey) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrUserIDRequired
	}
	showID = strings.TrimSpace(showID)
	if showID == "" {
		return ErrShowIDRequired
	}

	s.mu.Lock()
	perUser, err := s.ensureUserLocked(userID)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	doc, ok := perUser[showID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if _, exists := doc.Episodes[key.String()]; !exists {
		s.mu.Unlock()
		return nil
	}

	delete(doc.Episodes, key.String())
	doc.Metadata.LastUpdated = time.Now().UTC()
	doc.Metadata.NextEpisode = nil
	doc.Metadata.NextEpisodeCached = false
	perUser[showID] = doc

	seq, snap, err := s.commitLocked(userID)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.notify(userID, seq, snap)
	return nil
}

// DeleteShow drops the whole tracking document for a show.
func (s *FileStore) DeleteShow(ctx context.Context, userID, showID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrUserIDRequired
	}
	showID = strings.TrimSpace(showID)
	if showID == "" {
		return ErrShowIDRequired
	}

	s.mu.Lock()
	perUser, err := s.ensureUserLocked(userID)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	if _, ok := perUser[showID]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(perUser, showID)

	seq, snap, err := s.commitLocked(userID)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.notify(userID, seq, snap)
	return nil
}

// CacheNextEpisode writes a resolved next-episode value into the document's
// denormalized metadata. A nil value with the cached flag set means the
// viewer is caught up. This is a cache fill, not a watch event, so
// lastUpdated does not advance. Caching for an untracked show is a no-op.
func (s *FileStore) CacheNextEpisode(ctx context.Context, userID, showID string, next *models.NextEpisodeInfo) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrUserIDRequired
	}
	showID = strings.TrimSpace(showID)
	if showID == "" {
		return ErrShowIDRequired
	}

	s.mu.Lock()
	perUser, err := s.ensureUserLocked(userID)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	doc, ok := perUser[showID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	doc.Metadata.NextEpisode = next
	doc.Metadata.NextEpisodeCached = true
	perUser[showID] = doc

	seq, snap, err := s.commitLocked(userID)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.notify(userID, seq, snap)
	return nil
}

// commitLocked persists the user's documents and stamps the resulting state
// with a store-wide sequence number used to keep snapshot deliveries ordered.
func (s *FileStore) commitLocked(userID string) (uint64, Snapshot, error) {
	if err := s.saveUserLocked(userID); err != nil {
		return 0, nil, err
	}
	s.seq++
	return s.seq, s.docs[userID].Clone(), nil
}

// notify delivers full-replacement snapshots to every subscriber of the user.
// Deliveries are serialized under subMu and stale snapshots (an earlier
// sequence arriving after a later one) are dropped, so the last snapshot
// always wins.
func (s *FileStore) notify(userID string, seq uint64, snap Snapshot) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if seq <= s.delivered[userID] {
		return
	}
	s.delivered[userID] = seq

	for _, sub := range s.subs {
		if sub.userID != userID {
			continue
		}
		if sub.showID != "" {
			if doc, ok := snap[sub.showID]; ok {
				copied := copyDocument(doc)
				sub.onShowChange(&copied)
			} else {
				sub.onShowChange(nil)
			}
			continue
		}
		sub.onChange(snap.Clone())
	}
}

func (s *FileStore) userPath(userID string) string {
	return path.Join(s.dir, fmt.Sprintf("tracking_%s.json", userID))
}

// ensureUserLocked lazily loads the user's documents from disk. Documents
// failing the structural shape check are treated as absent, guarding against
// partially-written or legacy-shaped records.
func (s *FileStore) ensureUserLocked(userID string) (Snapshot, error) {
	if perUser, ok := s.docs[userID]; ok {
		return perUser, nil
	}

	perUser := make(Snapshot)
	data, err := afero.ReadFile(s.fs, s.userPath(userID))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read tracking: %w", err)
		}
		s.docs[userID] = perUser
		return perUser, nil
	}

	if len(data) > 0 {
		var decoded map[string]models.TVShowEpisodeTracking
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, fmt.Errorf("decode tracking: %w", err)
		}
		for showID, doc := range decoded {
			showID = strings.TrimSpace(showID)
			if showID == "" || !validDocument(doc) {
				continue
			}
			perUser[showID] = doc
		}
	}

	s.docs[userID] = perUser
	return perUser, nil
}

func (s *FileStore) saveUserLocked(userID string) error {
	data, err := json.MarshalIndent(s.docs[userID], "", "  ")
	if err != nil {
		return fmt.Errorf("encode tracking: %w", err)
	}

	target := s.userPath(userID)
	tmp := target + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tracking temp file: %w", err)
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("replace tracking file: %w", err)
	}
	return nil
}

// validDocument checks the structural shape of a tracking document: every
// episode entry's key must parse and match the entry's own season and episode
// numbers.
func validDocument(doc models.TVShowEpisodeTracking) bool {
	for raw, ep := range doc.Episodes {
		key, err := models.ParseEpisodeKey(raw)
		if err != nil {
			return false
		}
		if key.Season != ep.SeasonNumber || key.Episode != ep.EpisodeNumber {
			return false
		}
	}
	return true
}

func copyDocument(doc models.TVShowEpisodeTracking) models.TVShowEpisodeTracking {
	episodes := make(map[string]models.WatchedEpisode, len(doc.Episodes))
	for k, v := range doc.Episodes {
		episodes[k] = v
	}
	doc.Episodes = episodes
	return doc
}
