package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"showtrack/models"
)

const tmdbBaseURL = "https://api.themoviedb.org/3"

type tmdbClient struct {
	apiKey   string
	language string
	httpc    *http.Client

	// Rate limiting
	throttleMu  sync.Mutex
	lastRequest time.Time
	minInterval time.Duration
}

func newTMDBClient(apiKey, language string, httpc *http.Client) *tmdbClient {
	if httpc == nil {
		httpc = &http.Client{Timeout: 15 * time.Second}
	}
	return &tmdbClient{
		apiKey:      strings.TrimSpace(apiKey),
		language:    language,
		httpc:       httpc,
		minInterval: 20 * time.Millisecond, // TMDB has generous rate limits
	}
}

func (c *tmdbClient) isConfigured() bool {
	return c != nil && c.apiKey != ""
}

// doGET performs an HTTP GET with rate limiting and retry with exponential backoff
func (c *tmdbClient) doGET(ctx context.Context, endpoint string, v any) error {
	var lastErr error
	backoff := 300 * time.Millisecond

	for attempt := 0; attempt < 3; attempt++ {
		c.throttleMu.Lock()
		since := time.Since(c.lastRequest)
		if since < c.minInterval {
			time.Sleep(c.minInterval - since)
		}
		c.lastRequest = time.Now()
		c.throttleMu.Unlock()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
			log.Printf("[tmdb] http error (attempt %d/3): %v", attempt+1, err)
			time.Sleep(backoff)
			backoff *= 2
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			log.Printf("[tmdb] rate limited or server error (attempt %d/3): status %d", attempt+1, resp.StatusCode)
			lastErr = fmt.Errorf("tmdb request failed: %s", resp.Status)
			time.Sleep(backoff)
			backoff *= 2
			continue
		}

		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return fmt.Errorf("tmdb request failed: %s", resp.Status)
		}

		err = json.NewDecoder(resp.Body).Decode(v)
		resp.Body.Close()
		if err != nil {
			return err
		}
		return nil
	}

	return lastErr
}

func (c *tmdbClient) buildURL(parts ...string) (string, error) {
	endpoint, err := url.JoinPath(tmdbBaseURL, parts...)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("api_key", c.apiKey)
	if lang := strings.TrimSpace(c.language); lang != "" {
		q.Set("language", normalizeLanguage(lang))
	} else {
		q.Set("language", "en-US")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type tmdbShowResponse struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	NumberOfEpisodes int    `json:"number_of_episodes"`
	EpisodeRunTime   []int  `json:"episode_run_time"`
	Seasons          []struct {
		SeasonNumber int    `json:"season_number"`
		Name         string `json:"name"`
		EpisodeCount int    `json:"episode_count"`
		AirDate      string `json:"air_date"`
	} `json:"seasons"`
}

type tmdbSeasonResponse struct {
	Episodes []struct {
		ID            int64  `json:"id"`
		EpisodeNumber int    `json:"episode_number"`
		SeasonNumber  int    `json:"season_number"`
		Name          string `json:"name"`
		AirDate       string `json:"air_date"`
	} `json:"episodes"`
}

// showDetails fetches the show summary the progress engine needs: total
// episode count, average runtime and the season list.
func (c *tmdbClient) showDetails(ctx context.Context, showID string) (*models.ShowMetadata, error) {
	if !c.isConfigured() {
		return nil, errors.New("tmdb api key not configured")
	}

	endpoint, err := c.buildURL("tv", showID)
	if err != nil {
		return nil, err
	}

	var payload tmdbShowResponse
	if err := c.doGET(ctx, endpoint, &payload); err != nil {
		return nil, err
	}

	meta := &models.ShowMetadata{
		TotalEpisodes: payload.NumberOfEpisodes,
		AvgRuntime:    averageRuntime(payload.EpisodeRunTime),
		Seasons:       make([]models.SeasonMetadata, 0, len(payload.Seasons)),
	}
	for _, season := range payload.Seasons {
		meta.Seasons = append(meta.Seasons, models.SeasonMetadata{
			SeasonNumber: season.SeasonNumber,
			Name:         strings.TrimSpace(season.Name),
			EpisodeCount: season.EpisodeCount,
			AirDate:      strings.TrimSpace(season.AirDate),
		})
	}
	return meta, nil
}

// seasonEpisodes fetches a season's episode list.
func (c *tmdbClient) seasonEpisodes(ctx context.Context, showID string, season int) ([]models.Episode, error) {
	if !c.isConfigured() {
		return nil, errors.New("tmdb api key not configured")
	}

	endpoint, err := c.buildURL("tv", showID, "season", fmt.Sprintf("%d", season))
	if err != nil {
		return nil, err
	}

	var payload tmdbSeasonResponse
	if err := c.doGET(ctx, endpoint, &payload); err != nil {
		return nil, err
	}

	episodes := make([]models.Episode, 0, len(payload.Episodes))
	for _, ep := range payload.Episodes {
		episodes = append(episodes, models.Episode{
			ID:            fmt.Sprintf("%d", ep.ID),
			SeasonNumber:  ep.SeasonNumber,
			EpisodeNumber: ep.EpisodeNumber,
			Name:          strings.TrimSpace(ep.Name),
			AirDate:       strings.TrimSpace(ep.AirDate),
		})
	}
	return episodes, nil
}

func averageRuntime(runtimes []int) int {
	if len(runtimes) == 0 {
		return 0
	}
	total := 0
	for _, r := range runtimes {
		total += r
	}
	return total / len(runtimes)
}

func normalizeLanguage(lang string) string {
	lang = strings.ReplaceAll(lang, "_", "-")
	if len(lang) == 2 {
		return strings.ToLower(lang) + "-US"
	}
	if len(lang) >= 5 {
		return strings.ToLower(lang[:2]) + "-" + strings.ToUpper(lang[3:])
	}
	return "en-US"
}
