package tracking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"showtrack/models"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(afero.NewMemMapFs(), "data")
	require.NoError(t, err)
	return store
}

func watchedEpisode(season, episode int) models.WatchedEpisode {
	return models.WatchedEpisode{
		SeasonNumber:  season,
		EpisodeNumber: episode,
		EpisodeName:   "Episode",
		WatchedAt:     time.Date(2026, 8, 1, 20, 0, 0, 0, time.UTC),
	}
}

func TestFileStoreUpsertAndFetch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.UpsertEpisode(ctx, "alice", "42", models.ShowRef{Name: "Severance", PosterPath: "/p.jpg"}, watchedEpisode(2, 5))
	require.NoError(t, err)

	doc, err := store.FetchOne(ctx, "alice", "42")
	require.NoError(t, err)
	require.NotNil(t, doc)
	require.Len(t, doc.Episodes, 1)

	entry, ok := doc.Episodes["2_5"]
	require.True(t, ok)
	require.Equal(t, "42", entry.TVShowID)
	require.Equal(t, "Severance", doc.Metadata.TVShowName)
	require.Equal(t, "/p.jpg", doc.Metadata.PosterPath)
	require.Equal(t, entry.WatchedAt, doc.Metadata.LastUpdated)
}

func TestFileStoreUpsertIsIdempotentPerKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := watchedEpisode(1, 3)
	second := watchedEpisode(1, 3)
	second.WatchedAt = first.WatchedAt.Add(time.Hour)

	require.NoError(t, store.UpsertEpisode(ctx, "alice", "42", models.ShowRef{Name: "Show"}, first))
	require.NoError(t, store.UpsertEpisode(ctx, "alice", "42", models.ShowRef{}, second))

	doc, err := store.FetchOne(ctx, "alice", "42")
	require.NoError(t, err)
	require.Len(t, doc.Episodes, 1)
	require.True(t, doc.Episodes["1_3"].WatchedAt.Equal(second.WatchedAt))
	// Metadata identity survives a write without a show ref.
	require.Equal(t, "Show", doc.Metadata.TVShowName)
}

func TestFileStoreUpsertValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.UpsertEpisode(ctx, "", "42", models.ShowRef{}, watchedEpisode(1, 1))
	require.ErrorIs(t, err, ErrUserIDRequired)

	err = store.UpsertEpisode(ctx, "alice", "", models.ShowRef{}, watchedEpisode(1, 1))
	require.ErrorIs(t, err, ErrShowIDRequired)

	err = store.UpsertEpisode(ctx, "alice", "42", models.ShowRef{}, watchedEpisode(1, 0))
	require.ErrorIs(t, err, ErrEpisodeIncomplete)

	err = store.UpsertEpisode(ctx, "alice", "42", models.ShowRef{}, watchedEpisode(-1, 2))
	require.ErrorIs(t, err, ErrEpisodeIncomplete)
}

func TestFileStoreUpsertInvalidatesCachedNextEpisode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertEpisode(ctx, "alice", "42", models.ShowRef{Name: "Show"}, watchedEpisode(1, 1)))

	// Simulate a cached resolver result, then mutate.
	store.mu.Lock()
	doc := store.docs["alice"]["42"]
	doc.Metadata.NextEpisode = &models.NextEpisodeInfo{Season: 1, Episode: 2, Confidence: models.ConfidenceExact}
	doc.Metadata.NextEpisodeCached = true
	store.docs["alice"]["42"] = doc
	store.mu.Unlock()

	require.NoError(t, store.UpsertEpisode(ctx, "alice", "42", models.ShowRef{}, watchedEpisode(1, 2)))

	after, err := store.FetchOne(ctx, "alice", "42")
	require.NoError(t, err)
	require.Nil(t, after.Metadata.NextEpisode)
	require.False(t, after.Metadata.NextEpisodeCached)
}

func TestFileStoreDeleteEpisode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertEpisode(ctx, "alice", "42", models.ShowRef{Name: "Show"}, watchedEpisode(1, 1)))
	require.NoError(t, store.UpsertEpisode(ctx, "alice", "42", models.ShowRef{}, watchedEpisode(1, 2)))

	err := store.DeleteEpisode(ctx, "alice", "42", models.EpisodeKey{Season: 1, Episode: 1})
	require.NoError(t, err)

	doc, err := store.FetchOne(ctx, "alice", "42")
	require.NoError(t, err)
	require.Len(t, doc.Episodes, 1)
	require.False(t, doc.Watched(models.EpisodeKey{Season: 1, Episode: 1}))
	require.True(t, doc.Watched(models.EpisodeKey{Season: 1, Episode: 2}))
}

func TestFileStoreDeleteAbsentEpisodeIsSilent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertEpisode(ctx, "alice", "42", models.ShowRef{Name: "Show"}, watchedEpisode(1, 1)))

	var deliveries int
	unsubscribe, err := store.SubscribeAll("alice", func(Snapshot) { deliveries++ }, nil)
	require.NoError(t, err)
	defer unsubscribe()
	require.Equal(t, 1, deliveries) // initial snapshot

	require.NoError(t, store.DeleteEpisode(ctx, "alice", "42", models.EpisodeKey{Season: 9, Episode: 9}))
	require.NoError(t, store.DeleteEpisode(ctx, "alice", "missing", models.EpisodeKey{Season: 1, Episode: 1}))
	require.Equal(t, 1, deliveries)
}

func TestFileStoreDeleteShow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertEpisode(ctx, "alice", "42", models.ShowRef{Name: "A"}, watchedEpisode(1, 1)))
	require.NoError(t, store.UpsertEpisode(ctx, "alice", "77", models.ShowRef{Name: "B"}, watchedEpisode(1, 1)))

	require.NoError(t, store.DeleteShow(ctx, "alice", "42"))

	snap, err := store.FetchAll(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, snap, 1)
	_, ok := snap["77"]
	require.True(t, ok)
}

func TestFileStoreSubscribeAllDeliveries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var snapshots []Snapshot
	unsubscribe, err := store.SubscribeAll("alice", func(s Snapshot) { snapshots = append(snapshots, s) }, nil)
	require.NoError(t, err)

	require.Len(t, snapshots, 1)
	require.Empty(t, snapshots[0])

	require.NoError(t, store.UpsertEpisode(ctx, "alice", "42", models.ShowRef{Name: "Show"}, watchedEpisode(1, 1)))
	require.Len(t, snapshots, 2)
	require.Len(t, snapshots[1]["42"].Episodes, 1)

	// Another user's writes never reach this subscription.
	require.NoError(t, store.UpsertEpisode(ctx, "bob", "42", models.ShowRef{Name: "Show"}, watchedEpisode(1, 1)))
	require.Len(t, snapshots, 2)

	unsubscribe()
	require.NoError(t, store.UpsertEpisode(ctx, "alice", "42", models.ShowRef{}, watchedEpisode(1, 2)))
	require.Len(t, snapshots, 2)
}

func TestFileStoreSubscribeConcurrentWithWrite(t *testing.T) {
	// A write racing subscription setup must never leave the subscriber's
	// last delivered snapshot missing that write.
	for i := 0; i < 200; i++ {
		store := newTestStore(t)

		writeErr := make(chan error, 1)
		go func() {
			writeErr <- store.UpsertEpisode(context.Background(), "alice", "42", models.ShowRef{Name: "Show"}, watchedEpisode(1, 1))
		}()

		var mu sync.Mutex
		var last Snapshot
		unsubscribe, err := store.SubscribeAll("alice", func(snap Snapshot) {
			mu.Lock()
			last = snap
			mu.Unlock()
		}, nil)
		require.NoError(t, err)

		require.NoError(t, <-writeErr)
		unsubscribe()

		mu.Lock()
		_, ok := last["42"]
		mu.Unlock()
		require.True(t, ok, "iteration %d: last delivered snapshot lost the concurrent write", i)
	}
}

func TestFileStoreCacheNextEpisode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertEpisode(ctx, "alice", "42", models.ShowRef{Name: "Show"}, watchedEpisode(1, 1)))
	before, err := store.FetchOne(ctx, "alice", "42")
	require.NoError(t, err)

	next := &models.NextEpisodeInfo{Season: 1, Episode: 2, Confidence: models.ConfidenceExact}
	require.NoError(t, store.CacheNextEpisode(ctx, "alice", "42", next))

	doc, err := store.FetchOne(ctx, "alice", "42")
	require.NoError(t, err)
	require.True(t, doc.Metadata.NextEpisodeCached)
	require.Equal(t, 2, doc.Metadata.NextEpisode.Episode)
	// A cache fill is not a watch event.
	require.True(t, doc.Metadata.LastUpdated.Equal(before.Metadata.LastUpdated))

	// Caught up persists as nil with the flag still set.
	require.NoError(t, store.CacheNextEpisode(ctx, "alice", "42", nil))
	doc, err = store.FetchOne(ctx, "alice", "42")
	require.NoError(t, err)
	require.True(t, doc.Metadata.NextEpisodeCached)
	require.Nil(t, doc.Metadata.NextEpisode)
}

func TestFileStoreCacheNextEpisodeUntrackedIsSilent(t *testing.T) {
	store := newTestStore(t)

	var deliveries int
	unsubscribe, err := store.SubscribeAll("alice", func(Snapshot) { deliveries++ }, nil)
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, store.CacheNextEpisode(context.Background(), "alice", "42", nil))
	require.Equal(t, 1, deliveries) // only the initial snapshot
}

func TestFileStoreSubscribeShowSeesDeletion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertEpisode(ctx, "alice", "42", models.ShowRef{Name: "Show"}, watchedEpisode(1, 1)))

	var docs []*models.TVShowEpisodeTracking
	unsubscribe, err := store.SubscribeShow("alice", "42", func(d *models.TVShowEpisodeTracking) { docs = append(docs, d) }, nil)
	require.NoError(t, err)
	defer unsubscribe()

	require.Len(t, docs, 1)
	require.NotNil(t, docs[0])

	require.NoError(t, store.DeleteShow(ctx, "alice", "42"))
	require.Len(t, docs, 2)
	require.Nil(t, docs[1])
}

func TestFileStoreSnapshotIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertEpisode(ctx, "alice", "42", models.ShowRef{Name: "Show"}, watchedEpisode(1, 1)))

	snap, err := store.FetchAll(ctx, "alice")
	require.NoError(t, err)
	delete(snap["42"].Episodes, "1_1")

	again, err := store.FetchAll(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, again["42"].Episodes, 1)
}

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()

	store, err := NewFileStore(fs, "data")
	require.NoError(t, err)
	require.NoError(t, store.UpsertEpisode(ctx, "alice", "42", models.ShowRef{Name: "Show"}, watchedEpisode(3, 7)))

	reopened, err := NewFileStore(fs, "data")
	require.NoError(t, err)

	doc, err := reopened.FetchOne(ctx, "alice", "42")
	require.NoError(t, err)
	require.NotNil(t, doc)
	require.True(t, doc.Watched(models.EpisodeKey{Season: 3, Episode: 7}))
	require.Equal(t, "Show", doc.Metadata.TVShowName)
}

func TestFileStoreSkipsMalformedDocuments(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()

	// One document whose key disagrees with its entry, one valid sibling.
	raw := `{
	  "42": {
	    "episodes": {
	      "1_1": {"tvShowId": "42", "seasonNumber": 2, "episodeNumber": 9, "watchedAt": "2026-08-01T20:00:00Z"}
	    },
	    "metadata": {"tvShowName": "Broken", "lastUpdated": "2026-08-01T20:00:00Z"}
	  },
	  "77": {
	    "episodes": {
	      "1_1": {"tvShowId": "77", "seasonNumber": 1, "episodeNumber": 1, "watchedAt": "2026-08-01T20:00:00Z"}
	    },
	    "metadata": {"tvShowName": "Fine", "lastUpdated": "2026-08-01T20:00:00Z"}
	  }
	}`
	require.NoError(t, afero.WriteFile(fs, "data/tracking_alice.json", []byte(raw), 0o644))

	store, err := NewFileStore(fs, "data")
	require.NoError(t, err)

	snap, err := store.FetchAll(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, snap, 1)
	require.Equal(t, "Fine", snap["77"].Metadata.TVShowName)
}
