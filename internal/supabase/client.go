// Package supabase talks to a Supabase project over its PostgREST and GoTrue
// admin endpoints using a service-role key.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/ksred/supamigrate/internal/config"
	"github.com/ksred/supamigrate/internal/models"
)

const (
	restPath = "/rest/v1/"
	authPath = "/auth/v1/"
)

// Client is a PostgREST and GoTrue admin client for one project
type Client struct {
	baseURL     *url.URL
	key         string
	rpcFunction string
	retryFor    time.Duration
	httpClient  *http.Client
	logger      zerolog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithRPCFunction sets the SQL-execution function called by ExecSQL
func WithRPCFunction(name string) Option {
	return func(c *Client) { c.rpcFunction = name }
}

// WithRetry retries failed reads with exponential backoff for up to maxElapsed
func WithRetry(maxElapsed time.Duration) Option {
	return func(c *Client) { c.retryFor = maxElapsed }
}

// NewClient creates a client for the given project
func NewClient(project config.Project, logger zerolog.Logger, opts ...Option) (*Client, error) {
	if project.URL == "" {
		return nil, fmt.Errorf("project URL is required")
	}
	if project.ServiceRoleKey == "" {
		return nil, fmt.Errorf("service role key is required")
	}

	base, err := url.Parse(strings.TrimRight(project.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid project URL: %w", err)
	}

	c := &Client{
		baseURL:     base,
		key:         project.ServiceRoleKey,
		rpcFunction: "exec_sql",
		httpClient:  &http.Client{Timeout: project.Timeout},
		logger:      logger.With().Str("project", project.Name).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchPage reads one window of rows ordered by orderBy
func (c *Client) FetchPage(ctx context.Context, table, orderBy string, offset, limit int) ([]models.Row, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("order", orderBy+".asc")
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))

	resp, err := c.do(ctx, http.MethodGet, c.restURL(table, q), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var rows []models.Row
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode %s rows: %w", table, err)
	}
	return rows, nil
}

// Count returns the exact number of rows in a table
func (c *Client) Count(ctx context.Context, table string) (int64, error) {
	q := url.Values{}
	q.Set("select", "*")

	headers := map[string]string{"Prefer": "count=exact"}
	resp, err := c.do(ctx, http.MethodHead, c.restURL(table, q), nil, headers)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	return parseContentRange(resp.Header.Get("Content-Range"))
}

// Upsert writes rows in a single statement, updating rows whose conflict
// column already exists
func (c *Client) Upsert(ctx context.Context, table string, rows []models.Row, conflictColumn string) error {
	q := url.Values{}
	q.Set("on_conflict", conflictColumn)
	q.Set("columns", strings.Join(models.ColumnUnion(rows), ","))

	headers := map[string]string{"Prefer": "resolution=merge-duplicates,return=minimal"}
	return c.write(ctx, c.restURL(table, q), rows, headers)
}

// Insert writes rows in a single statement without conflict handling
func (c *Client) Insert(ctx context.Context, table string, rows []models.Row) error {
	q := url.Values{}
	q.Set("columns", strings.Join(models.ColumnUnion(rows), ","))

	headers := map[string]string{"Prefer": "return=minimal"}
	return c.write(ctx, c.restURL(table, q), rows, headers)
}

// ExecSQL runs a raw statement through the project's SQL-execution function.
// The function must exist on the project, e.g.
//
//	create function exec_sql(query text) returns void language plpgsql
//	security definer as $$ begin execute query; end $$;
func (c *Client) ExecSQL(ctx context.Context, query string) error {
	body := map[string]string{"query": query}
	resp, err := c.do(ctx, http.MethodPost, c.restURL("rpc/"+c.rpcFunction, nil), body, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Close is a no-op; HTTP connections are pooled by the transport
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) write(ctx context.Context, u string, rows []models.Row, headers map[string]string) error {
	resp, err := c.do(ctx, http.MethodPost, u, rows, headers)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) restURL(resource string, q url.Values) string {
	return c.endpoint(restPath+resource, q)
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// do sends a request and converts non-2xx responses into *APIError. Reads
// are retried on transport errors and temporary API errors when a retry
// budget is set.
func (c *Client) do(ctx context.Context, method, u string, body any, headers map[string]string) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	if c.retryFor <= 0 || (method != http.MethodGet && method != http.MethodHead) {
		return c.send(ctx, method, u, payload, headers)
	}

	var resp *http.Response
	err := backoff.Retry(func() error {
		r, err := c.send(ctx, method, u, payload, headers)
		if err != nil {
			var apiErr *APIError
			if (errors.As(err, &apiErr) && !apiErr.Temporary()) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			c.logger.Warn().Err(err).Str("url", u).Msg("Request failed, retrying")
			return err
		}
		resp = r
		return nil
	}, backoff.WithContext(c.newBackoff(), ctx))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = c.retryFor
	return b
}

func (c *Client) send(ctx context.Context, method, u string, payload []byte, headers map[string]string) (*http.Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("apikey", c.key)
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	c.logger.Debug().
		Str("method", method).
		Str("url", u).
		Msg("Sending request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, newAPIError(resp)
	}
	return resp, nil
}

// parseContentRange extracts the total from "0-24/3573" or "*/3573"
func parseContentRange(header string) (int64, error) {
	idx := strings.LastIndex(header, "/")
	if idx < 0 || idx == len(header)-1 {
		return 0, fmt.Errorf("missing count in Content-Range %q", header)
	}
	total := header[idx+1:]
	if total == "*" {
		return 0, fmt.Errorf("server did not return an exact count")
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Content-Range %q: %w", header, err)
	}
	return n, nil
}
