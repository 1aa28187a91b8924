package progress

import (
	"fmt"
	"sort"
	"time"

	"showtrack/models"
)

// ComputeNextEpisode determines what to watch after current. episodes is the
// episode list of current's season; allSeasons enables rollover into the next
// season and may be nil, which silently disables rollover (a degraded but
// valid mode). Returns nil when the viewer is caught up.
//
// Within the current season only aired episodes are considered, so an unaired
// episode is never proposed. The rollover path returns a synthetic episode 1
// of the next non-special season with Confidence "approximate", because
// per-episode data for that season may not be loaded yet and the season's own
// air date stands in for the episode's.
func ComputeNextEpisode(current models.EpisodeKey, episodes []models.Episode, allSeasons []models.SeasonMetadata, now time.Time) *models.NextEpisodeInfo {
	aired := make([]models.Episode, 0, len(episodes))
	for _, ep := range episodes {
		if airedBy(ep.AirDate, now) {
			aired = append(aired, ep)
		}
	}
	sort.Slice(aired, func(i, j int) bool {
		return aired[i].EpisodeNumber < aired[j].EpisodeNumber
	})

	for i, ep := range aired {
		if ep.EpisodeNumber != current.Episode {
			continue
		}
		if i+1 < len(aired) {
			next := aired[i+1]
			return &models.NextEpisodeInfo{
				Season:     current.Season,
				Episode:    next.EpisodeNumber,
				Title:      next.Name,
				AirDate:    next.AirDate,
				Confidence: models.ConfidenceExact,
			}
		}
		break
	}

	// Current episode is the last aired of its season, or wasn't found in the
	// loaded list at all. Either way, try rolling over into a later season.
	return rollover(current, allSeasons)
}

func rollover(current models.EpisodeKey, allSeasons []models.SeasonMetadata) *models.NextEpisodeInfo {
	var next *models.SeasonMetadata
	for i := range allSeasons {
		season := &allSeasons[i]
		if season.SeasonNumber <= 0 || season.SeasonNumber <= current.Season {
			continue
		}
		if next == nil || season.SeasonNumber < next.SeasonNumber {
			next = season
		}
	}
	if next == nil {
		return nil
	}

	name := next.Name
	if name == "" {
		name = fmt.Sprintf("Season %d", next.SeasonNumber)
	}

	return &models.NextEpisodeInfo{
		Season:     next.SeasonNumber,
		Episode:    1,
		Title:      fmt.Sprintf("%s Episode 1", name),
		AirDate:    next.AirDate,
		Confidence: models.ConfidenceApproximate,
	}
}
