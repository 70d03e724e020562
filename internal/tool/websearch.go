package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const webSearchDescription = `Searches the web and returns result titles, URLs and snippets.`

// WebSearcher performs external web searches.
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// WebSearchTool exposes a WebSearcher to the model.
type WebSearchTool struct {
	searcher WebSearcher
}

// NewWebSearchTool creates the tool.
func NewWebSearchTool(searcher WebSearcher) *WebSearchTool {
	return &WebSearchTool{searcher: searcher}
}

func (t *WebSearchTool) Name() string        { return "web_search" }
func (t *WebSearchTool) Description() string { return webSearchDescription }

func (t *WebSearchTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "The search query"
			}
		},
		"required": ["query"]
	}`)
}

type webSearchInput struct {
	Query string `json:"query"`
}

func (t *WebSearchTool) Execute(ctx context.Context, input json.RawMessage, tc *Context) Outcome {
	var params webSearchInput
	if err := json.Unmarshal(input, &params); err != nil {
		return Errorf("invalid input: %v", err)
	}
	if params.Query == "" {
		return Errorf("query is required")
	}
	if t.searcher == nil {
		return Errorf("web search is not configured")
	}

	results, err := t.searcher.Search(ctx, params.Query)
	if err != nil {
		return Errorf("search failed: %v", err)
	}
	if len(results) == 0 {
		return Ok("No results found")
	}

	var sb strings.Builder
	for i, r := range results {
		if i >= 8 {
			break
		}
		fmt.Fprintf(&sb, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return Ok(strings.TrimRight(sb.String(), "\n"))
}

// DuckDuckGoSearcher scrapes the DuckDuckGo HTML endpoint.
type DuckDuckGoSearcher struct {
	client *http.Client
}

// NewDuckDuckGoSearcher creates the default searcher.
func NewDuckDuckGoSearcher() *DuckDuckGoSearcher {
	return &DuckDuckGoSearcher{client: &http.Client{Timeout: 15 * time.Second}}
}

// Search implements WebSearcher.
func (s *DuckDuckGoSearcher) Search(ctx context.Context, query string) ([]SearchResult, error) {
	endpoint := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; drape/1.0)")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	doc.Find(".result").Each(func(i int, sel *goquery.Selection) {
		title := strings.TrimSpace(sel.Find(".result__title").Text())
		href, _ := sel.Find(".result__a").Attr("href")
		snippet := strings.TrimSpace(sel.Find(".result__snippet").Text())
		if title == "" || href == "" {
			return
		}
		results = append(results, SearchResult{
			Title:   title,
			URL:     cleanDuckDuckGoURL(href),
			Snippet: snippet,
		})
	})
	return results, nil
}

// cleanDuckDuckGoURL unwraps the redirect DDG puts around result links.
func cleanDuckDuckGoURL(href string) string {
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
