package scraper

import (
	"context"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"socks_sentinel/internal/shared/logger"
	"socks_sentinel/internal/shared/metrics"
	"socks_sentinel/proxypool/model"
)

// Scraper 接口定义了从代理源抓取代理信息的行为。
type Scraper interface {
	// Scrape fetches one source and returns the valid endpoints found in it.
	// Implementations only fetch and parse; they never probe.
	Scrape(ctx context.Context) ([]model.Endpoint, error)

	// Name returns the source name used in logs and metrics.
	Name() string
}

var endpointPattern = regexp.MustCompile(`^\d{1,3}(\.\d{1,3}){3}:\d+$`)

var schemePrefixes = []string{"socks5://", "socks4://", "http://", "https://"}

// ParseLine normalizes one line of a source list. It reports false for
// blank, comment and malformed lines.
func ParseLine(line string) (model.Endpoint, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	lower := strings.ToLower(line)
	for _, prefix := range schemePrefixes {
		if strings.HasPrefix(lower, prefix) {
			line = line[len(prefix):]
			break
		}
	}
	if !endpointPattern.MatchString(line) {
		return "", false
	}
	ep, err := model.ParseEndpoint(line)
	if err != nil {
		return "", false
	}
	return ep, true
}

// ParseLines extracts endpoints from newline-delimited text, keeping the
// first occurrence of each.
func ParseLines(text string) []model.Endpoint {
	var out []model.Endpoint
	seen := make(map[model.Endpoint]struct{})
	// split instead of a bufio.Scanner: one oversized line must not end the
	// rest of the list
	for _, line := range strings.Split(text, "\n") {
		ep, ok := ParseLine(line)
		if !ok {
			continue
		}
		if _, dup := seen[ep]; dup {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}

// FetchAll runs every scraper with at most limit in flight and merges their
// endpoints in scraper order, without duplicates. A failing source is
// logged and skipped; FetchAll itself never fails.
func FetchAll(ctx context.Context, scrapers []Scraper, limit int) []model.Endpoint {
	l := logger.WithComponent("ProxyPool/Scraper")
	if limit <= 0 {
		limit = 4
	}

	results := make([][]model.Endpoint, len(scrapers))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, s := range scrapers {
		g.Go(func() error {
			eps, err := s.Scrape(ctx)
			if err != nil {
				metrics.SourceFetchErrors.WithLabelValues(s.Name()).Inc()
				l.Warn().Err(err).Str("source", s.Name()).Msg("Scraper failed, skipping source.")
				return nil
			}
			l.Info().Str("source", s.Name()).Int("count", len(eps)).Msg("Fetched proxies from source.")
			results[i] = eps
			return nil
		})
	}
	_ = g.Wait()

	var merged []model.Endpoint
	seen := make(map[model.Endpoint]struct{})
	for _, eps := range results {
		for _, ep := range eps {
			if _, dup := seen[ep]; dup {
				continue
			}
			seen[ep] = struct{}{}
			merged = append(merged, ep)
		}
	}
	return merged
}
