package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Define static errors
var (
	ErrSourceResponse = errors.New("source query error")
)

// clickhouseTime is the DateTime layout of the ClickHouse JSON output format
const clickhouseTime = "2006-01-02 15:04:05"

// Client is the read-only interface to the upstream event feed.
type Client interface {
	// Events returns events of one kind inside the window
	Events(ctx context.Context, kind string, w Window) ([]Event, error)
	// ViewedTitles returns the distinct titles a user has viewed or bookmarked
	ViewedTitles(ctx context.Context, userID int64) ([]int64, error)
	// Start verifies connectivity
	Start(ctx context.Context) error
	// Stop closes idle connections
	Stop() error
}

// client implements Client over the ClickHouse HTTP interface. The upstream
// database is never written to.
type client struct {
	log          logrus.FieldLogger
	httpClient   *http.Client
	baseURL      string
	database     string
	table        string
	queryTimeout time.Duration
	debug        bool
}

// NewClient creates a new upstream source client.
func NewClient(log logrus.FieldLogger, cfg *Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid source config: %w", err)
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     cfg.KeepAlive,
	}

	return &client{
		log:          log.WithField("component", "source"),
		httpClient:   &http.Client{Transport: transport},
		baseURL:      strings.TrimRight(cfg.URL, "/"),
		database:     cfg.Database,
		table:        cfg.Table,
		queryTimeout: cfg.QueryTimeout,
		debug:        cfg.Debug,
	}, nil
}

// Start verifies connectivity, retrying with exponential backoff so the
// service survives an upstream that is still coming up.
func (c *client) Start(ctx context.Context) error {
	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		_, err := c.execute(pingCtx, "SELECT 1")
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(ping, policy); err != nil {
		return fmt.Errorf("failed to connect to event source: %w", err)
	}

	c.log.Info("Connected to upstream event source")

	return nil
}

// Stop closes idle connections.
func (c *client) Stop() error {
	c.httpClient.CloseIdleConnections()

	return nil
}

// eventRow mirrors the JSON row shape of the upstream events table.
type eventRow struct {
	UserID     int64   `json:"user_id,string"`
	TitleID    int64   `json:"title_id,string"`
	Kind       string  `json:"kind"`
	Weight     float64 `json:"weight"`
	OccurredAt string  `json:"occurred_at"`
	Attributes string  `json:"attributes"`
}

// Events returns events of one kind inside the window.
func (c *client) Events(ctx context.Context, kind string, w Window) ([]Event, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT user_id, title_id, kind, weight, occurred_at, attributes FROM %s.%s WHERE kind = '%s'",
		c.database, c.table, escape(kind))
	if !w.From.IsZero() {
		fmt.Fprintf(&sb, " AND occurred_at >= '%s'", w.From.UTC().Format(clickhouseTime))
	}
	if !w.To.IsZero() {
		fmt.Fprintf(&sb, " AND occurred_at < '%s'", w.To.UTC().Format(clickhouseTime))
	}
	sb.WriteString(" ORDER BY user_id, title_id")

	rows, err := c.queryRows(ctx, sb.String())
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(rows))
	for _, raw := range rows {
		var row eventRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("failed to decode event row: %w", err)
		}

		ev := Event{
			UserID:  row.UserID,
			TitleID: row.TitleID,
			Kind:    row.Kind,
			Weight:  row.Weight,
		}
		if row.OccurredAt != "" {
			ts, parseErr := time.Parse(clickhouseTime, row.OccurredAt)
			if parseErr != nil {
				return nil, fmt.Errorf("failed to parse event time %q: %w", row.OccurredAt, parseErr)
			}
			ev.OccurredAt = ts.UTC()
		}
		if row.Attributes != "" {
			if err := json.Unmarshal([]byte(row.Attributes), &ev.Attributes); err != nil {
				return nil, fmt.Errorf("failed to decode event attributes: %w", err)
			}
		}

		events = append(events, ev)
	}

	return events, nil
}

// ViewedTitles returns the distinct titles a user has viewed or bookmarked.
func (c *client) ViewedTitles(ctx context.Context, userID int64) ([]int64, error) {
	query := fmt.Sprintf(
		"SELECT DISTINCT title_id FROM %s.%s WHERE user_id = %d AND kind IN ('%s', '%s') ORDER BY title_id",
		c.database, c.table, userID, KindView, KindBookmark)

	rows, err := c.queryRows(ctx, query)
	if err != nil {
		return nil, err
	}

	titles := make([]int64, 0, len(rows))
	for _, raw := range rows {
		var row struct {
			TitleID int64 `json:"title_id,string"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("failed to decode title row: %w", err)
		}
		titles = append(titles, row.TitleID)
	}

	return titles, nil
}

// sourceResponse represents the JSON response from the ClickHouse HTTP interface.
type sourceResponse struct {
	Data []json.RawMessage `json:"data"`
	Rows int               `json:"rows"`
}

func (c *client) queryRows(ctx context.Context, query string) ([]json.RawMessage, error) {
	body, err := c.execute(ctx, query+" FORMAT JSON")
	if err != nil {
		return nil, err
	}

	var resp sourceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode source response: %w", err)
	}

	return resp.Data, nil
}

func (c *client) execute(ctx context.Context, query string) ([]byte, error) {
	queryCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if c.debug {
		c.log.WithField("query", query).Debug("Executing source query")
	}

	req, err := http.NewRequestWithContext(queryCtx, http.MethodPost, c.baseURL, bytes.NewBufferString(query))
	if err != nil {
		return nil, fmt.Errorf("failed to build source request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read source response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrSourceResponse, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return body, nil
}

// escape quotes single quotes for interpolation into a read-only query.
func escape(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
