package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/xhad/ouragboros/internal/models"
	cfgPkg "github.com/xhad/ouragboros/pkg/config"
	"github.com/xhad/ouragboros/pkg/llm"
	"github.com/xhad/ouragboros/pkg/render"
	"github.com/xhad/ouragboros/pkg/retrieval"
	"github.com/xhad/ouragboros/pkg/scraper"
)

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("items"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func scrapeURL(ctx context.Context, cfg *cfgPkg.Config, url string) ([]models.Page, error) {
	if !strings.HasPrefix(url, "http") {
		url = "https://" + url
	}

	var scrapeCount int32
	s, err := scraper.NewWithConfig(scraper.ScraperConfig{
		BaseURL:           url,
		MaxDepth:          cfg.Scraper.MaxDepth,
		RateLimit:         cfg.Scraper.RateLimit,
		IgnorePatterns:    cfg.Scraper.IgnorePatterns,
		AllowedExtensions: cfg.Scraper.AllowedExtensions,
		OnProgress: func(string) {
			atomic.AddInt32(&scrapeCount, 1)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize scraper: %w", err)
	}

	scrapingBar := getProgressBar(-1, " Scraping documentation...")
	startTime := time.Now()
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		lastCount := int32(0)
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			count := atomic.LoadInt32(&scrapeCount)
			scrapingBar.Set(int(count))
			if count > lastCount {
				rate := float64(count) / time.Since(startTime).Seconds()
				scrapingBar.Describe(color.BlueString("Scraping documentation (%.1f pages/sec)", rate))
			}
			lastCount = count
		}
	}()

	pages, err := s.Scrape(ctx, url)
	close(done)
	scrapingBar.Finish()
	return pages, err
}

// chat answers questions from stdin against the ingested documents.
func chat(ctx context.Context, cfg *cfgPkg.Config, config Config, retriever *retrieval.Retriever, engine *llm.ChatEngine) error {
	color.Cyan("\nChat with your documents (type 'exit' to quit)")

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()
	preview := render.Preview{Length: cfg.UI.PreviewLength, NoticeThreshold: cfg.UI.PreviewNoticeThreshold}

	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			return scanner.Err()
		}

		query := strings.TrimSpace(scanner.Text())
		if strings.ToLower(query) == "exit" {
			return nil
		}
		if query == "" {
			continue
		}

		querySpinner := getSpinner(" " + render.SearchingStatus)
		matches, err := retriever.Retrieve(ctx, retrieval.Request{
			Query:          query,
			K:              cfg.Retrieval.MaxDocuments,
			ScoreThreshold: cfg.Retrieval.Threshold(),
			EmbeddingModel: config.Model,
			Backend:        config.Backend,
		})
		querySpinner.Finish()
		if err != nil {
			color.Red("\nError querying documents: %v\n", err)
			continue
		}
		if len(matches) == 0 {
			color.Yellow("\n%s\n", render.NoMatchesNotice)
		} else {
			color.Blue("\n%s\n", render.MatchSummary(len(matches)))
		}

		stream, err := engine.Ask(ctx, llm.AskRequest{
			Model:   cfg.LLM.Model,
			Prompt:  cfg.LLM.Prompt,
			Query:   query,
			Context: retrieval.JoinContext(matches),
		})
		if err != nil {
			color.Red("Error: %v\n", err)
			continue
		}

		fmt.Print("\n")
		assistantPrompt("Assistant: ")
		responseSpinner := getSpinner(" Thinking...")
		firstChunk := true
		for {
			chunk, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					color.Red("\n%v", err)
				}
				break
			}
			if firstChunk {
				responseSpinner.Finish()
				firstChunk = false
				fmt.Print("\n\n")
			}
			fmt.Print(chunk)
		}
		if firstChunk {
			responseSpinner.Finish()
		}
		stream.Close()
		fmt.Print("\n")

		if len(matches) > 0 {
			sources := preview.Sources("", matches)
			color.Cyan("\n%s:", sources.Label)
			for _, p := range sources.Panels {
				fmt.Printf("  %s (score %s)\n", p.Heading, render.FormatScore(p.Score))
			}
		}
	}
}
