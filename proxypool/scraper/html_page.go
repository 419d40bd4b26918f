package scraper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"socks_sentinel/internal/shared/logger"
	"socks_sentinel/proxypool/model"
)

// HTMLPageScraper 抓取以 HTML 页面形式发布的代理列表。
// Both the visible text lines and table rows (first cell ip, second cell
// port) are run through the same line parser as plain lists.
type HTMLPageScraper struct {
	url     string
	timeout time.Duration
}

// NewHTMLPageScraper creates a scraper for an HTML proxy list page.
func NewHTMLPageScraper(url string, timeout time.Duration) Scraper {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTMLPageScraper{url: url, timeout: timeout}
}

func (s *HTMLPageScraper) Name() string {
	return s.url
}

func (s *HTMLPageScraper) Scrape(ctx context.Context) ([]model.Endpoint, error) {
	l := logger.WithComponent("ProxyPool/Scraper")

	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.AllowURLRevisit(),
		colly.StdlibContext(ctx),
	)
	c.SetRequestTimeout(s.timeout)

	var (
		candidates []string
		scrapeErr  error
	)
	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})
	c.OnHTML("html", func(e *colly.HTMLElement) {
		candidates = append(candidates, ExtractCandidates(e.DOM)...)
	})
	c.OnError(func(r *colly.Response, err error) {
		scrapeErr = fmt.Errorf("failed to fetch page %s (status %d): %w", s.Name(), r.StatusCode, err)
	})

	if err := c.Visit(s.url); err != nil {
		return nil, fmt.Errorf("failed to visit %s: %w", s.Name(), err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if scrapeErr != nil {
		return nil, scrapeErr
	}

	eps := ParseLines(strings.Join(candidates, "\n"))
	l.Debug().Str("source", s.Name()).Int("candidates", len(candidates)).Int("count", len(eps)).Msg("Parsed HTML page.")
	return eps, nil
}

// ExtractCandidates returns candidate lines from a parsed page: one per table
// row as "cell0:cell1", then every line of the page's visible text.
func ExtractCandidates(doc *goquery.Selection) []string {
	var out []string
	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		ip := strings.TrimSpace(cells.Eq(0).Text())
		port := strings.TrimSpace(cells.Eq(1).Text())
		if ip != "" && port != "" {
			out = append(out, ip+":"+port)
		}
	})
	doc.Find("script, style").Remove()
	out = append(out, strings.Split(doc.Text(), "\n")...)
	return out
}
