package progress

import (
	"math"
	"sort"
	"time"

	"showtrack/models"
)

const airDateLayout = "2006-01-02"

// airedBy reports whether a catalog air date string falls on or before now.
// Unparseable or empty dates count as unaired.
func airedBy(airDate string, now time.Time) bool {
	if airDate == "" {
		return false
	}
	t, err := time.Parse(airDateLayout, airDate)
	if err != nil {
		return false
	}
	return !t.After(now)
}

// ComputeShowProgress derives per-season and show-level completion counts
// from a tracking document and the show's season metadata. Seasons with
// number <= 0 (specials) are excluded from every total. The function is pure:
// identical inputs always yield identical results, so callers may memoize
// freely.
func ComputeShowProgress(tracking models.TVShowEpisodeTracking, seasons []models.SeasonMetadata, now time.Time) models.ShowProgress {
	watchedBySeason := make(map[int]map[int]bool)
	for raw := range tracking.Episodes {
		key, err := models.ParseEpisodeKey(raw)
		if err != nil {
			continue
		}
		if watchedBySeason[key.Season] == nil {
			watchedBySeason[key.Season] = make(map[int]bool)
		}
		watchedBySeason[key.Season][key.Episode] = true
	}

	var show models.ShowProgress
	for _, season := range seasons {
		if season.SeasonNumber <= 0 {
			continue
		}

		sp := models.SeasonProgress{
			SeasonNumber: season.SeasonNumber,
			TotalCount:   season.EpisodeCount,
		}
		watched := watchedBySeason[season.SeasonNumber]

		if len(season.Episodes) > 0 {
			// Only aired episodes count toward either side of the ratio, so
			// a watch event for an unaired episode never pushes watchedCount
			// past totalAiredCount.
			for _, ep := range season.Episodes {
				if !airedBy(ep.AirDate, now) {
					continue
				}
				sp.TotalAiredCount++
				if watched[ep.EpisodeNumber] {
					sp.WatchedCount++
				}
			}
		} else {
			// Per-episode air dates not loaded; assume everything declared
			// has aired rather than reporting an empty season.
			sp.TotalAiredCount = sp.TotalCount
			sp.WatchedCount = len(watched)
			if sp.WatchedCount > sp.TotalAiredCount {
				sp.WatchedCount = sp.TotalAiredCount
			}
		}

		sp.Percentage = percentage(sp.WatchedCount, sp.TotalAiredCount)

		show.Seasons = append(show.Seasons, sp)
		show.WatchedCount += sp.WatchedCount
		show.TotalCount += sp.TotalCount
		show.TotalAiredCount += sp.TotalAiredCount
	}

	sort.Slice(show.Seasons, func(i, j int) bool {
		return show.Seasons[i].SeasonNumber < show.Seasons[j].SeasonNumber
	})

	show.Percentage = percentage(show.WatchedCount, show.TotalAiredCount)
	return show
}

// percentage rounds watched/aired to a whole percent, clamped to [0,100].
// Zero aired episodes always yields 0, never a division error or 100.
func percentage(watched, aired int) int {
	if aired <= 0 {
		return 0
	}
	pct := int(math.Round(float64(watched) / float64(aired) * 100))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
