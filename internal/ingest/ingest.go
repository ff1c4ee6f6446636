// Package ingest is the client side of the ingest pipe: it reads
// NDJSON events from a stream and forwards them to the kaitd /ingest
// endpoint in batches.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"kait/internal/config"
	kaiterrors "kait/internal/errors"
	"kait/internal/logging"
	"kait/internal/queue"
)

const (
	defaultBatchSize = 50
	requestTimeout   = 10 * time.Second
	// Lines longer than this are rejected without buffering them whole.
	maxLineBytes = 256 * 1024
)

// Options wires a Client.
type Options struct {
	// BaseURL of the ingest daemon; empty resolves from the environment.
	BaseURL string
	// Token for bearer auth; empty resolves via config.IngestToken.
	Token string
	// BatchSize caps events per POST.
	BatchSize int
	Logger    logging.Logger
	HTTP      *http.Client
}

// Client posts events to kaitd.
type Client struct {
	baseURL   string
	token     string
	batchSize int
	logger    logging.Logger
	http      *http.Client
}

// Tally summarises one ingest run.
type Tally struct {
	Sent     int `json:"sent"`
	Bad      int `json:"bad"`
	Rejected int `json:"rejected"`
}

// NewClient builds a Client, resolving the base URL and token from the
// environment where not given.
func NewClient(opts Options) *Client {
	base := opts.BaseURL
	if base == "" {
		base = config.KaitdURL()
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	return &Client{
		baseURL:   strings.TrimRight(base, "/"),
		token:     config.IngestToken(opts.Token),
		batchSize: batch,
		logger:    logging.OrNop(opts.Logger),
		http:      httpClient,
	}
}

// Run streams NDJSON from r to the daemon. Each line is validated
// locally before it is sent; bad lines are reported and skipped so one
// broken event never stalls the stream.
func (c *Client) Run(ctx context.Context, r io.Reader) (Tally, error) {
	if c.token == "" {
		return Tally{}, fmt.Errorf("ingest: %w: no token (set KAITD_TOKEN or %s)",
			kaiterrors.ErrUnauthorized, config.IngestTokenPath())
	}

	var tally Tally
	var batch []json.RawMessage
	lineNo := 0

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev queue.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			c.logger.Warn("line %d: not valid JSON: %v", lineNo, err)
			tally.Bad++
			continue
		}
		if err := ev.Validate(); err != nil {
			c.logger.Warn("line %d: %v", lineNo, err)
			tally.Bad++
			continue
		}

		batch = append(batch, append(json.RawMessage(nil), line...))
		if len(batch) >= c.batchSize {
			if err := c.flush(ctx, batch, &tally); err != nil {
				return tally, err
			}
			batch = batch[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return tally, fmt.Errorf("read input: %w", err)
	}
	if len(batch) > 0 {
		if err := c.flush(ctx, batch, &tally); err != nil {
			return tally, err
		}
	}
	return tally, nil
}

// Send posts a single event.
func (c *Client) Send(ctx context.Context, ev queue.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	var tally Tally
	if err := c.flush(ctx, []json.RawMessage{line}, &tally); err != nil {
		return err
	}
	if tally.Rejected > 0 {
		return fmt.Errorf("event rejected by %s", c.baseURL)
	}
	return nil
}

// flush posts one NDJSON batch and folds the daemon's accepted and
// rejected counts into the tally.
func (c *Client) flush(ctx context.Context, batch []json.RawMessage, tally *Tally) error {
	var body bytes.Buffer
	for _, line := range batch {
		body.Write(line)
		body.WriteByte('\n')
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ingest", &body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s/ingest: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return fmt.Errorf("ingest: %w", kaiterrors.ErrUnauthorized)
	case http.StatusTooManyRequests:
		return fmt.Errorf("ingest: %w (retry after %s)", kaiterrors.ErrRateLimited, resp.Header.Get("Retry-After"))
	default:
		return fmt.Errorf("ingest: unexpected status %d", resp.StatusCode)
	}

	var result struct {
		Accepted int `json:"accepted"`
		Rejected int `json:"rejected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	tally.Sent += result.Accepted
	tally.Rejected += result.Rejected
	return nil
}
