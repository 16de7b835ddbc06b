// Package client is a typed HTTP client for a sitepull server.
package client

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

	"golang.org/x/time/rate"

	"github.com/bamsammich/sitepull/internal/api"
	"github.com/bamsammich/sitepull/internal/manifest"
)

// ErrUnauthorized is returned when the server rejects the access key.
var ErrUnauthorized = errors.New("access key rejected")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Body string
	Op   api.Op
	Code int
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.Code, e.Body)
	}
	return fmt.Sprintf("%s: HTTP %d", e.Op, e.Code)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4096

// Config configures a Client.
type Config struct {
	HTTPClient *http.Client
	Limiter    *rate.Limiter // optional download bandwidth cap shared by all calls
	BaseURL    string        // server mount point, e.g. https://example.com/sitepull
	Key        string
	UserAgent  string
}

// Client calls the server's operations.
type Client struct {
	hc      *http.Client
	limiter *rate.Limiter
	base    *url.URL
	key     string
	ua      string
}

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server URL %q must be http or https", cfg.BaseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server URL %q has no host", cfg.BaseURL)
	}
	if cfg.Key == "" {
		return nil, errors.New("access key is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: http.DefaultTransport}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "sitepull"
	}
	return &Client{hc: hc, limiter: cfg.Limiter, base: u, key: cfg.Key, ua: ua}, nil
}

// Host returns the server's host name.
func (c *Client) Host() string { return c.base.Hostname() }

func (c *Client) endpoint(op api.Op, params url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + op.Path()
	u.RawQuery = params.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method string, op api.Op, params url.Values, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(op, params), rd)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set(api.KeyHeader, c.key)
	req.Header.Set("User-Agent", c.ua)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, &StatusError{Op: op, Code: resp.StatusCode, Body: errorBody(resp.Body)}
	}
	return resp, nil
}

func errorBody(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody)) //nolint:errcheck // best effort
	var er api.ErrorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		return er.Error
	}
	return strings.TrimSpace(string(raw))
}

func (c *Client) callJSON(ctx context.Context, method string, op api.Op, params url.Values, out any) error {
	resp, err := c.do(ctx, method, op, params, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// Ping checks connectivity and the access key.
func (c *Client) Ping(ctx context.Context) (api.PingResponse, error) {
	var out api.PingResponse
	err := c.callJSON(ctx, http.MethodGet, api.OpPing, nil, &out)
	return out, err
}

// ManifestInit asks the server to scan its content directory.
func (c *Client) ManifestInit(ctx context.Context) (api.ManifestInitResponse, error) {
	var out api.ManifestInitResponse
	err := c.callJSON(ctx, http.MethodPost, api.OpManifestInit, nil, &out)
	return out, err
}

// Slice reads one page of a manifest job.
func (c *Client) Slice(ctx context.Context, jobID string, offset, limit int) (manifest.Page, error) {
	var out api.ManifestSliceResponse
	err := c.callJSON(ctx, http.MethodGet, api.OpManifestSlice, url.Values{
		"job_id": {jobID},
		"offset": {strconv.Itoa(offset)},
		"limit":  {strconv.Itoa(limit)},
	}, &out)
	if err != nil {
		return manifest.Page{}, err
	}
	return manifest.Page{Files: out.Files, TotalFiles: out.TotalFiles, TotalBytes: out.TotalBytes}, nil
}

// ManifestFinish drops a manifest job.
func (c *Client) ManifestFinish(ctx context.Context, jobID string) error {
	var out api.OKResponse
	return c.callJSON(ctx, http.MethodPost, api.OpManifestFinish, url.Values{"job_id": {jobID}}, &out)
}

// DBMeta returns the server's database size estimate.
func (c *Client) DBMeta(ctx context.Context) (api.DBMetaResponse, error) {
	var out api.DBMetaResponse
	err := c.callJSON(ctx, http.MethodGet, api.OpDBMeta, nil, &out)
	return out, err
}

// DBJobInit starts a database export job.
func (c *Client) DBJobInit(ctx context.Context) (api.DBJobInitResponse, error) {
	var out api.DBJobInitResponse
	err := c.callJSON(ctx, http.MethodPost, api.OpDBJobInit, nil, &out)
	return out, err
}

// DBJobProcess advances an export job by at most budget.
func (c *Client) DBJobProcess(ctx context.Context, jobID string, budget time.Duration) (api.DBJobProcessResponse, error) {
	var out api.DBJobProcessResponse
	err := c.callJSON(ctx, http.MethodPost, api.OpDBJobProcess, url.Values{
		"job_id":         {jobID},
		"time_budget_ms": {strconv.FormatInt(budget.Milliseconds(), 10)},
	}, &out)
	return out, err
}

// DBJobFinish deletes the export job and its file on the server.
func (c *Client) DBJobFinish(ctx context.Context, jobID string) error {
	var out api.OKResponse
	return c.callJSON(ctx, http.MethodPost, api.OpDBJobFinish, url.Values{"job_id": {jobID}}, &out)
}

// DownloadDatabase streams a completed export into w.
func (c *Client) DownloadDatabase(ctx context.Context, jobID string, w io.Writer) (int64, error) {
	return c.stream(ctx, http.MethodGet, api.OpDBJobDownload, url.Values{"job_id": {jobID}}, nil, w)
}

// DownloadFile streams one file into w.
func (c *Client) DownloadFile(ctx context.Context, path string, w io.Writer) (int64, error) {
	return c.stream(ctx, http.MethodGet, api.OpFile, url.Values{"path": {path}}, nil, w)
}

// DownloadBatch streams a zip of paths into w.
func (c *Client) DownloadBatch(ctx context.Context, paths []string, w io.Writer) (int64, error) {
	body, err := json.Marshal(api.BatchZipRequest{Paths: paths})
	if err != nil {
		return 0, fmt.Errorf("encode batch request: %w", err)
	}
	return c.stream(ctx, http.MethodPost, api.OpBatchZip, nil, body, w)
}

func (c *Client) stream(
	ctx context.Context,
	method string,
	op api.Op,
	params url.Values,
	body []byte,
	w io.Writer,
) (int64, error) {
	resp, err := c.do(ctx, method, op, params, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var r io.Reader = resp.Body
	if c.limiter != nil {
		r = newRateLimitedReader(ctx, r, c.limiter)
	}
	n, err := io.Copy(w, r)
	if err != nil {
		return n, fmt.Errorf("%s: read body: %w", op, err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, fmt.Errorf("%s: short body: got %d of %d bytes", op, n, resp.ContentLength)
	}
	return n, nil
}
