package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const defaultTMDBBaseURL = "https://api.themoviedb.org/3"

type TMDBOptions struct {
	APIKey   string
	Language string
	BaseURL  string
	Timeout  time.Duration
	Client   *http.Client
}

// TMDB searches movies on The Movie Database.
type TMDB struct {
	apiKey   string
	language string
	baseURL  string
	client   *http.Client
}

func NewTMDB(opts TMDBOptions) *TMDB {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 8 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultTMDBBaseURL
	}
	language := strings.TrimSpace(opts.Language)
	if language == "" {
		language = "pt-BR"
	}
	return &TMDB{
		apiKey:   strings.TrimSpace(opts.APIKey),
		language: language,
		baseURL:  baseURL,
		client:   client,
	}
}

func (t *TMDB) Search(ctx context.Context, query string) ([]Candidate, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if t.apiKey == "" {
		return nil, fmt.Errorf("tmdb api key is not configured")
	}

	params := url.Values{}
	params.Set("api_key", t.apiKey)
	params.Set("query", query)
	params.Set("language", t.language)
	params.Set("include_adult", "false")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/search/movie?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tmdb search: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("tmdb search: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tmdb search: status %d: %s", resp.StatusCode, gjson.GetBytes(body, "status_message").String())
	}
	return parseTMDBResults(body), nil
}

func parseTMDBResults(body []byte) []Candidate {
	results := gjson.GetBytes(body, "results").Array()
	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		title := strings.TrimSpace(r.Get("title").String())
		if title == "" {
			continue
		}
		out = append(out, Candidate{
			ExternalID: strconv.FormatInt(r.Get("id").Int(), 10),
			Title:      title,
			Year:       releaseYear(r.Get("release_date").String()),
			Type:       "movie",
		})
	}
	return out
}

func releaseYear(date string) int {
	if len(date) < 4 {
		return 0
	}
	year, err := strconv.Atoi(date[:4])
	if err != nil {
		return 0
	}
	return year
}
