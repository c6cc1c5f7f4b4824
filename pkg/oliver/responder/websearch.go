// websearch.go fetches live context for time-sensitive questions by
// scraping the DuckDuckGo HTML endpoint. Search is strictly best effort:
// any failure means the model answers without live context.
package responder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// SearchResult is one ranked snippet.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// WebSearcher fetches ranked snippets for a query.
type WebSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// DuckDuckGoSearcher scrapes the no-JS DuckDuckGo endpoint.
type DuckDuckGoSearcher struct {
	client  *http.Client
	baseURL string
}

// NewDuckDuckGoSearcher creates a searcher with a short timeout; a slow
// search is worse than no search.
func NewDuckDuckGoSearcher() *DuckDuckGoSearcher {
	return &DuckDuckGoSearcher{
		client:  &http.Client{Timeout: 8 * time.Second},
		baseURL: "https://html.duckduckgo.com/html/",
	}
}

// Search returns up to maxResults snippets for the query.
func (s *DuckDuckGoSearcher) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if maxResults <= 0 {
		maxResults = 3
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, fmt.Errorf("responder: creating search request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("responder: search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("responder: search returned %d", resp.StatusCode)
	}

	results, err := parseSearchResults(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

// parseSearchResults walks the result list markup: each hit is a
// .result__a anchor for title/url plus a .result__snippet for the text.
func parseSearchResults(r io.Reader) ([]SearchResult, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("responder: parsing search html: %w", err)
	}

	var results []SearchResult
	var current *SearchResult

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			switch {
			case hasClass(n, "result__a"):
				if current != nil && current.Title != "" {
					results = append(results, *current)
				}
				current = &SearchResult{
					Title: strings.TrimSpace(textContent(n)),
					URL:   cleanResultURL(attr(n, "href")),
				}
			case hasClass(n, "result__snippet"):
				if current != nil {
					current.Snippet = strings.TrimSpace(textContent(n))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if current != nil && current.Title != "" {
		results = append(results, *current)
	}
	return results, nil
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key == "class" {
			for _, c := range strings.Fields(a.Val) {
				if c == class {
					return true
				}
			}
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// cleanResultURL unwraps DuckDuckGo's redirect links (//duckduckgo.com/l/?uddg=<url>).
func cleanResultURL(href string) string {
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		if decoded, err := url.QueryUnescape(target); err == nil {
			return decoded
		}
	}
	return href
}
