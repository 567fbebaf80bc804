package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	// FetcherTimeout is the HTTP timeout for each page request.
	FetcherTimeout = 30 * time.Second

	// MaxFetchedContentLength caps the extracted text so an attached page
	// cannot blow up the council prompts.
	MaxFetchedContentLength = 50000
)

// blankLinePattern collapses runs of blank lines in extracted text.
var blankLinePattern = regexp.MustCompile(`\n{3,}`)

// FetchURLContent downloads a web page and extracts its readable text so the
// UI can attach it to a message as a file. Strips scripts, styles and page
// chrome, prefers the main/article region when the page marks one, and caps
// the result at MaxFetchedContentLength.
func FetchURLContent(ctx context.Context, pageURL string) (string, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}

	// Create HTTP request with context
	req, err := http.NewRequestWithContext(ctx, "GET", pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	// Set headers to mimic a browser
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	client := &http.Client{
		Timeout: FetcherTimeout,
	}

	// Execute request with retry logic
	var resp *http.Response
	maxRetries := 2
	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err = client.Do(req)
		if err == nil {
			break
		}

		if attempt < maxRetries-1 {
			log.Printf("Attempt %d failed, retrying in 2s: %v", attempt+1, err)
			time.Sleep(2 * time.Second)
		}
	}
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s after %d attempts: %w", pageURL, maxRetries, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code %d for %s", resp.StatusCode, pageURL)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	return ExtractReadableText(doc), nil
}

// ExtractReadableText pulls the page title and main body text out of a
// parsed document, with whitespace normalized line by line.
func ExtractReadableText(doc *goquery.Document) string {
	// Drop everything that is not content
	doc.Find("script, style, noscript, iframe, nav, header, footer, aside").Remove()

	// Prefer the marked content region when there is one
	content := doc.Find("main, article").First()
	if content.Length() == 0 {
		content = doc.Find("body")
	}

	var text strings.Builder
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		text.WriteString(title + "\n\n")
	}

	for _, line := range strings.Split(content.Text(), "\n") {
		line = strings.Join(strings.Fields(line), " ")
		text.WriteString(line + "\n")
	}

	result := strings.TrimSpace(blankLinePattern.ReplaceAllString(text.String(), "\n\n"))
	if len(result) > MaxFetchedContentLength {
		result = result[:MaxFetchedContentLength]
	}
	return result
}
