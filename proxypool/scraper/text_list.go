package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"socks_sentinel/proxypool/model"
)

const (
	userAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"
	maxListBodySize = 16 << 20
)

// TextListScraper fetches a plain newline-delimited "ip:port" list.
type TextListScraper struct {
	url    string
	client *http.Client
}

// NewTextListScraper creates a scraper for url with the given request timeout.
func NewTextListScraper(url string, timeout time.Duration) Scraper {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TextListScraper{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (s *TextListScraper) Name() string {
	return s.url
}

func (s *TextListScraper) Scrape(ctx context.Context) ([]model.Endpoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.Name(), err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("received non-2xx status code (%d) from %s", resp.StatusCode, s.Name())
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read body from %s: %w", s.Name(), err)
	}
	return ParseLines(string(body)), nil
}
