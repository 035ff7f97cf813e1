package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xhad/ouragboros/internal/models"
)

type ScraperConfig struct {
	BaseURL           string
	MaxDepth          int
	RateLimit         float64 // requests per second
	IgnorePatterns    []string
	AllowedExtensions []string
	Timeout           time.Duration
	OnProgress        func(url string)
	Client            *http.Client
	Logger            *zap.Logger
}

type Scraper struct {
	config   ScraperConfig
	client   *http.Client
	limiter  *rate.Limiter
	baseHost string
	logger   *zap.Logger

	mu      sync.Mutex
	visited map[string]bool
}

func NewWithConfig(config ScraperConfig) (*Scraper, error) {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxDepth == 0 {
		config.MaxDepth = 3
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2 // 2 requests per second by default
	}
	if len(config.AllowedExtensions) == 0 {
		config.AllowedExtensions = []string{".html", ".htm"}
	}

	parsedURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: missing host", config.BaseURL)
	}

	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scraper{
		config:   config,
		client:   client,
		visited:  make(map[string]bool),
		limiter:  rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		baseHost: parsedURL.Host,
		logger:   logger,
	}, nil
}

func New(baseURL string) (*Scraper, error) {
	return NewWithConfig(ScraperConfig{
		BaseURL: baseURL,
	})
}

// shouldProcessURL accepts same-host pages whose path has no extension or an
// allowed one, unless the URL contains an ignore pattern.
func (s *Scraper) shouldProcessURL(urlStr string) bool {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return false
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return false
	}

	if parsedURL.Host != s.baseHost {
		return false
	}

	ext := strings.ToLower(path.Ext(parsedURL.Path))
	if ext != "" {
		validExt := false
		for _, allowedExt := range s.config.AllowedExtensions {
			if ext == strings.ToLower(allowedExt) {
				validExt = true
				break
			}
		}
		if !validExt {
			return false
		}
	}

	for _, pattern := range s.config.IgnorePatterns {
		if strings.Contains(urlStr, pattern) {
			return false
		}
	}

	return true
}

func (s *Scraper) cleanContent(content string) string {
	// Remove extra whitespace
	content = strings.Join(strings.Fields(content), " ")

	noisePatterns := []string{
		"Cookie Policy",
		"Accept Cookies",
		"Privacy Policy",
		"Terms of Service",
	}

	for _, pattern := range noisePatterns {
		content = strings.ReplaceAll(content, pattern, "")
	}

	return strings.TrimSpace(content)
}

func (s *Scraper) extractMainContent(doc *goquery.Document) string {
	doc.Find("script, style, nav, footer, noscript").Remove()

	selectors := []string{
		"main",
		"article",
		".content",
		"#content",
		".documentation",
		"#documentation",
	}

	var content string
	for _, selector := range selectors {
		if selected := doc.Find(selector); selected.Length() > 0 {
			content = selected.Text()
			break
		}
	}

	if strings.TrimSpace(content) == "" {
		content = doc.Find("body").Text()
	}

	return s.cleanContent(content)
}

// Scrape crawls from startURL and returns one page per fetched document.
// Failures below the start page are logged and skipped.
func (s *Scraper) Scrape(ctx context.Context, startURL string) ([]models.Page, error) {
	var pages []models.Page
	err := s.scrapeRecursive(ctx, normalize(startURL), 0, &pages)
	return pages, err
}

func (s *Scraper) markVisited(urlStr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.visited[urlStr] {
		return false
	}
	s.visited[urlStr] = true
	return true
}

func (s *Scraper) scrapeRecursive(ctx context.Context, urlStr string, depth int, pages *[]models.Page) error {
	if depth > s.config.MaxDepth || !s.shouldProcessURL(urlStr) {
		return nil
	}
	if !s.markVisited(urlStr) {
		return nil
	}
	if s.config.OnProgress != nil {
		s.config.OnProgress(urlStr)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("received status code %d for URL: %s", resp.StatusCode, urlStr)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return err
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	links := doc.Find("a[href]")
	var hrefs []string
	links.Each(func(_ int, selection *goquery.Selection) {
		if href, ok := selection.Attr("href"); ok {
			hrefs = append(hrefs, href)
		}
	})

	if content := s.extractMainContent(doc); content != "" {
		*pages = append(*pages, models.Page{
			Source:     urlStr,
			Title:      title,
			PageNumber: 1,
			Text:       content,
		})
	}

	base := resp.Request.URL
	for _, href := range hrefs {
		ref, err := url.Parse(href)
		if err != nil {
			s.logger.Debug("Error parsing URL", zap.String("href", href), zap.Error(err))
			continue
		}

		next := normalize(base.ResolveReference(ref).String())
		if err := s.scrapeRecursive(ctx, next, depth+1, pages); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("Error scraping URL", zap.String("url", next), zap.Error(err))
		}
	}

	return nil
}

// normalize drops the fragment so anchors on one page are fetched once.
func normalize(urlStr string) string {
	u, err := url.Parse(urlStr)
	if err != nil {
		return urlStr
	}
	u.Fragment = ""
	return u.String()
}
