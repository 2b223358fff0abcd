// SPDX-License-Identifier: MIT

// Package exttool holds the worker's optional external collaborators: the
// text formatter and the summarizer. Both are per-job best-effort; any
// failure is logged and swallowed at the call site.
package exttool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openscribe/scribed/internal/httpx"
)

// Formatter beautifies raw transcript text. Failure means the raw text is
// used as-is.
type Formatter interface {
	Format(ctx context.Context, text string) (string, error)
}

// Summarizer derives a short summary from the final text. Failure means no
// summary.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// defaultTimeout bounds a single collaborator call. These are LLM endpoints;
// they are slow but not unbounded.
const defaultTimeout = 120 * time.Second

// HTTPFormatter posts {"text"} to a formatting endpoint and expects
// {"text"} back.
type HTTPFormatter struct {
	URL  string
	http *http.Client
}

// NewHTTPFormatter builds a formatter client, or nil when url is empty.
func NewHTTPFormatter(url string, timeout time.Duration) *HTTPFormatter {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPFormatter{URL: url, http: httpx.NewClient(timeout)}
}

// Format implements Formatter.
func (f *HTTPFormatter) Format(ctx context.Context, text string) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	if err := postJSON(ctx, f.http, f.URL, map[string]string{"text": text}, &out); err != nil {
		return "", err
	}
	if out.Text == "" {
		return "", fmt.Errorf("exttool: formatter returned empty text")
	}
	return out.Text, nil
}

// HTTPSummarizer posts {"text"} to a summarization endpoint and expects
// {"summary"} back.
type HTTPSummarizer struct {
	URL  string
	http *http.Client
}

// NewHTTPSummarizer builds a summarizer client, or nil when url is empty.
func NewHTTPSummarizer(url string, timeout time.Duration) *HTTPSummarizer {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPSummarizer{URL: url, http: httpx.NewClient(timeout)}
}

// Summarize implements Summarizer.
func (s *HTTPSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	var out struct {
		Summary string `json:"summary"`
	}
	if err := postJSON(ctx, s.http, s.URL, map[string]string{"text": text}, &out); err != nil {
		return "", err
	}
	return out.Summary, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("exttool: %s returned status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
