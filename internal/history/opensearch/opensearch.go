// Package opensearch indexes run history events through the OpenSearch
// document API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/devpilot/internal/history"
)

// Options configures a Sink. Daily appends the event date to Index
// (run-history-2025.01.31).
type Options struct {
	BaseURL  string
	Index    string
	Username string
	Password string
	Daily    bool
	Timeout  time.Duration
}

// Sink writes one document per event. The document id is derived from the run
// id and event type, so a resent event overwrites instead of duplicating.
type Sink struct {
	client *http.Client
	opts   Options
}

func New(opts Options) *Sink {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Index == "" {
		opts.Index = "run-history"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Sink{client: &http.Client{Timeout: opts.Timeout}, opts: opts}
}

func (s *Sink) indexFor(e history.Event) string {
	if !s.opts.Daily {
		return s.opts.Index
	}
	at := e.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	return s.opts.Index + "-" + at.UTC().Format("2006.01.02")
}

func docID(e history.Event) string {
	if e.Record.RunID == "" {
		return ""
	}
	return e.Record.RunID + "-" + string(e.Type)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	method := http.MethodPost
	u := s.opts.BaseURL + "/" + url.PathEscape(s.indexFor(e)) + "/_doc"
	if id := docID(e); id != "" {
		method = http.MethodPut
		u += "/" + url.PathEscape(id)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Username != "" {
		req.SetBasicAuth(s.opts.Username, s.opts.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("opensearch sink: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
