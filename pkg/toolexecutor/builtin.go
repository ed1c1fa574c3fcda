package toolexecutor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

const (
	DefaultFetchMaxChars       = 20000
	DefaultFetchMaxBytes int64 = 5 * 1024 * 1024
)

// BuiltinConfig configures the tools installed by RegisterBuiltins.
type BuiltinConfig struct {
	// WebFetch enables the web_fetch tool.
	WebFetch   bool
	HTTPClient *http.Client
	Now        func() time.Time
}

// RegisterBuiltins installs current_time and, when enabled, web_fetch.
func RegisterBuiltins(te *Executor, cfg BuiltinConfig) error {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := te.RegisterTool(currentTimeTool(cfg.Now)); err != nil {
		return err
	}
	if cfg.WebFetch {
		client := cfg.HTTPClient
		if client == nil {
			client = &http.Client{Timeout: 30 * time.Second}
		}
		if err := te.RegisterTool(webFetchTool(client)); err != nil {
			return err
		}
	}
	return nil
}

func currentTimeTool(now func() time.Time) Tool {
	return Tool{
		Name:        "current_time",
		Description: "Get the current date and time, optionally in a specific IANA time zone.",
		Parameters: []ToolParameter{
			{Name: "timezone", Type: "string", Description: "IANA time zone such as Europe/Berlin. Defaults to the server's local zone."},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			t := now()
			if tz, _ := params["timezone"].(string); tz != "" {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("unknown time zone %q", tz)
				}
				t = t.In(loc)
			}
			return fmt.Sprintf("%s (%s, %s)", t.Format(time.RFC3339), t.Weekday(), t.Location()), nil
		},
	}
}

// FetchResult is what web_fetch returns to the model.
type FetchResult struct {
	URL         string `json:"url"`
	StatusCode  int    `json:"status_code"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
}

func webFetchTool(client *http.Client) Tool {
	return Tool{
		Name:        "web_fetch",
		Description: "Fetch a web page and return its readable text content.",
		Parameters: []ToolParameter{
			{Name: "url", Type: "string", Description: "The http or https URL to fetch.", Required: true},
			{Name: "max_chars", Type: "integer", Description: "Maximum characters of text to return.", Default: DefaultFetchMaxChars},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			rawURL, _ := params["url"].(string)
			maxChars := DefaultFetchMaxChars
			if v, ok := params["max_chars"].(float64); ok && v > 0 {
				maxChars = int(v)
			}
			return fetchPage(ctx, client, rawURL, maxChars)
		},
	}
}

func fetchPage(ctx context.Context, client *http.Client, rawURL string, maxChars int) (*FetchResult, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")
	req.Header.Set("User-Agent", "clawloop-web-fetch")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, DefaultFetchMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	result := &FetchResult{URL: parsed.String(), StatusCode: resp.StatusCode, ContentType: contentType}

	switch {
	case isHTML(contentType):
		result.Title, result.Content, err = extractHTML(string(body))
		if err != nil {
			return nil, fmt.Errorf("failed to parse html: %w", err)
		}
	case utf8.Valid(body):
		result.Content = string(body)
	default:
		result.Content = fmt.Sprintf("Binary content (%s), %d bytes", contentType, len(body))
	}

	if utf8.RuneCountInString(result.Content) > maxChars {
		result.Content = truncateRunes(result.Content, maxChars)
		result.Truncated = true
	}
	return result, nil
}

func isHTML(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

var (
	reSpaces   = regexp.MustCompile(`[ \t]+`)
	reNewlines = regexp.MustCompile(`\n{3,}`)
)

// extractHTML returns the page title and its visible text with boilerplate
// elements removed.
func extractHTML(html string) (string, string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", "", err
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("script,style,noscript,nav,header,footer,iframe,svg").Remove()

	var blocks []string
	doc.Find("h1,h2,h3,h4,p,li,pre,blockquote,td").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(reSpaces.ReplaceAllString(s.Text(), " "))
		if text == "" {
			return
		}
		switch goquery.NodeName(s) {
		case "h1":
			text = "# " + text
		case "h2":
			text = "## " + text
		case "h3", "h4":
			text = "### " + text
		case "li":
			text = "- " + text
		}
		blocks = append(blocks, text)
	})

	content := strings.Join(blocks, "\n\n")
	if content == "" {
		content = strings.TrimSpace(reSpaces.ReplaceAllString(doc.Find("body").Text(), " "))
	}
	content = reNewlines.ReplaceAllString(content, "\n\n")
	return title, content, nil
}

func truncateRunes(s string, maxChars int) string {
	count := 0
	for i := range s {
		if count == maxChars {
			return s[:i]
		}
		count++
	}
	return s
}
