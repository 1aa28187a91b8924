package models

// Episode is one catalog episode within a season.
type Episode struct {
	ID            string `json:"id"`
	SeasonNumber  int    `json:"seasonNumber"`
	EpisodeNumber int    `json:"episodeNumber"`
	Name          string `json:"name"`
	AirDate       string `json:"airDate,omitempty"`
}

// SeasonMetadata describes one season of a show as reported by the catalog.
// Episodes is populated only when the season's episode list has been loaded;
// a nil slice means per-episode data is unavailable, not an empty season.
type SeasonMetadata struct {
	SeasonNumber int       `json:"seasonNumber"`
	Name         string    `json:"name,omitempty"`
	EpisodeCount int       `json:"episodeCount"`
	AirDate      string    `json:"airDate,omitempty"`
	Episodes     []Episode `json:"episodes,omitempty"`
}

// ShowMetadata is the catalog summary the progress engine needs for a show.
type ShowMetadata struct {
	TotalEpisodes int              `json:"totalEpisodes"`
	AvgRuntime    int              `json:"avgRuntime,omitempty"`
	Seasons       []SeasonMetadata `json:"seasons"`
}

// Season returns the metadata for the given season number, or nil.
func (m *ShowMetadata) Season(number int) *SeasonMetadata {
	if m == nil {
		return nil
	}
	for i := range m.Seasons {
		if m.Seasons[i].SeasonNumber == number {
			return &m.Seasons[i]
		}
	}
	return nil
}
