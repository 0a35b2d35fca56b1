package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"

	"github.com/xiaot623/gogo/agent/internal/domain"
)

const lookupUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

const maxLookupOutput = 50000

// runLookup fetches a page and extracts its readable content. A missing
// URL with a query falls back to a web search. Network failures produce
// a failed outcome, never a crash.
func runLookup(ctx context.Context, step *domain.Step, args LookupArgs) Outcome {
	target := args.URL
	if target == "" && args.Query != "" {
		target = "https://duckduckgo.com/html/?q=" + url.QueryEscape(args.Query)
	}
	if target == "" {
		return failure(domain.ErrKindValidation, "lookup step has no url or query")
	}

	client := &http.Client{Timeout: 30 * time.Second}

	req, err := http.NewRequestWithContext(ctx, "GET", target, nil)
	if err != nil {
		return failure(domain.ErrKindValidation, "invalid lookup url: %v", err)
	}
	req.Header.Set("User-Agent", lookupUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return failure(domain.ErrKindTimeout, "lookup timed out: %v", err)
		}
		return failure(domain.ErrKindNetwork, "fetching %s: %v", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return failure(domain.ErrKindNetwork, "fetching %s: status %d", target, resp.StatusCode)
	}

	parsedURL, err := url.Parse(target)
	if err != nil {
		return failure(domain.ErrKindValidation, "parsing lookup url: %v", err)
	}

	article, err := readability.FromReader(resp.Body, parsedURL)
	if err != nil {
		return failure(domain.ErrKindToolExecution, "extracting content from %s: %v", target, err)
	}

	sanitized := bluemonday.StrictPolicy().Sanitize(article.TextContent)
	if len(sanitized) > maxLookupOutput {
		sanitized = sanitized[:maxLookupOutput] + "\n... (content truncated) ..."
	}

	output := fmt.Sprintf("TITLE: %s\n", article.Title)
	if article.Excerpt != "" {
		output += fmt.Sprintf("EXCERPT: %s\n", article.Excerpt)
	}
	output += "\n" + sanitized
	return Outcome{Success: true, Output: output}
}
