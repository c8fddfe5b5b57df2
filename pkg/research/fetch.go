package research

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/astra-local/astra/pkg/config"
)

// SearchResult is one hit returned by a search backend.
type SearchResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Searcher is the pluggable search backend. Real backends live outside
// this module; tests and deployments inject their own.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// Fetched is the outcome of downloading and extracting one page.
type Fetched struct {
	FinalURL string
	Text     string
}

// Fetcher downloads one page and returns its extracted text.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) (*Fetched, error)
}

// candidate is a search hit that survived normalization and blocklist
// checks.
type candidate struct {
	URL     string
	Title   string
	Snippet string
	Domain  string
}

// page is a fetched candidate with cleaned text, ready for judging.
type page struct {
	candidate
	FinalURL string
	Text     string
}

var (
	scriptBlockRe = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	tagRe         = regexp.MustCompile(`(?s)<[^>]*>`)
)

// HTTPFetcher downloads pages with a per-request timeout and a byte cap,
// then strips markup down to text.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPFetcher builds the default fetcher from research config.
func NewHTTPFetcher(cfg *config.ResearchConfig) *HTTPFetcher {
	return &HTTPFetcher{
		client:   &http.Client{Timeout: cfg.FetchTimeout},
		maxBytes: cfg.MaxFetchBytes,
	}
}

// Fetch downloads the page and extracts text from its markup.
func (f *HTTPFetcher) Fetch(ctx context.Context, pageURL string) (*Fetched, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "astra-research/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request_failed:%w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http_status:%d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	finalURL := pageURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &Fetched{FinalURL: finalURL, Text: extractText(string(body))}, nil
}

// extractText strips scripts, markup and entities, collapsing the rest
// into newline-separated lines.
func extractText(markup string) string {
	text := scriptBlockRe.ReplaceAllString(markup, " ")
	text = tagRe.ReplaceAllString(text, "\n")
	text = html.UnescapeString(text)

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// hostLimiters hands out one politeness limiter per host.
type hostLimiters struct {
	mu       sync.Mutex
	interval rate.Limit
	limiters map[string]*rate.Limiter
}

func newHostLimiters(cfg *config.ResearchConfig) *hostLimiters {
	limit := rate.Inf
	if cfg.PerHostInterval > 0 {
		limit = rate.Every(cfg.PerHostInterval)
	}
	return &hostLimiters{interval: limit, limiters: make(map[string]*rate.Limiter)}
}

func (h *hostLimiters) get(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	limiter, ok := h.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(h.interval, 1)
		h.limiters[host] = limiter
	}
	return limiter
}

// fetchOutcome pairs a candidate with its fetch result or error.
type fetchOutcome struct {
	candidate candidate
	fetched   *Fetched
	err       error
}

// fetchAll downloads candidates concurrently, capped by the configured
// concurrency and the per-host limiter. Individual failures are carried
// in the outcome, not returned; only context cancellation aborts the
// group.
func (s *Skill) fetchAll(ctx context.Context, candidates []candidate) []fetchOutcome {
	outcomes := make([]fetchOutcome, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FetchConcurrency)
	for i, cand := range candidates {
		g.Go(func() error {
			if err := s.limiters.get(cand.Domain).Wait(gctx); err != nil {
				outcomes[i] = fetchOutcome{candidate: cand, err: err}
				return nil
			}
			fetched, err := s.fetcher.Fetch(gctx, cand.URL)
			outcomes[i] = fetchOutcome{candidate: cand, fetched: fetched, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
