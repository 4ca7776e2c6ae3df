package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Client talks to the catalog/acquisition service that resolves track
// searches and per-track lyric, timing and pitch-curve metadata. It is
// best-effort: room lifecycle never blocks on it.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Track struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Artist          string `json:"artist"`
	AlbumArtURL     string `json:"album_art_url"`
	Duration        int    `json:"duration"`
	AudioURL        string `json:"audio_url"`
	InstrumentalURL string `json:"instrumental_url"`
}

type LyricLine struct {
	Text     string  `json:"text"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

type PitchPoint struct {
	Time       float64 `json:"time"`
	Frequency  float64 `json:"frequency"`
	Confidence float64 `json:"confidence"`
}

type SongDetail struct {
	Track      Track        `json:"track"`
	Lyrics     []LyricLine  `json:"lyrics"`
	PitchCurve []PitchPoint `json:"pitch_curve"`
}

type searchResponse struct {
	Tracks []Track `json:"tracks"`
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Search returns candidate tracks for a free-text query. An empty result is
// not an error.
func (c *Client) Search(ctx context.Context, query string) ([]Track, error) {
	params := url.Values{}
	params.Set("q", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/tracks/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	return result.Tracks, nil
}

// GetSongDetail returns the playable payload for a track: lyric lines with
// timing plus the reference pitch curve.
func (c *Client) GetSongDetail(ctx context.Context, trackID string) (*SongDetail, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/tracks/"+url.PathEscape(trackID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detail request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detail returned status %d", resp.StatusCode)
	}

	var detail SongDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return nil, fmt.Errorf("failed to decode detail response: %w", err)
	}

	return &detail, nil
}
