// Package tiojclient implements the judge client over the TIOJ fetch API
package tiojclient

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
	"github.com/google/uuid"
	"github.com/ntuicpc/tioj-judge/client"
	"github.com/ntuicpc/tioj-judge/filestore"
	"github.com/ntuicpc/tioj-judge/types"
	"go.uber.org/zap"
)

const (
	defaultRetryMax     = 5
	defaultRetryInitial = 500 * time.Millisecond
	defaultTimeout      = 30 * time.Second

	requestIDHeader = "X-Request-Id"
)

var (
	_ client.Client        = &Client{}
	_ filestore.Downloader = &Client{}
)

// Config defines the client parameters
type Config struct {
	URL string
	Key string

	// RetryMax is the number of retries of a single operation
	RetryMax     int
	RetryInitial time.Duration
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Client is the TIOJ judge client
type Client struct {
	base         string
	key          string
	retryMax     int
	retryInitial time.Duration
	hc           *http.Client
	logger       *zap.Logger
}

// StatusError is returned when the server responds with unexpected status
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server responded %d: %s", e.Code, e.Body)
}

func (e *StatusError) transient() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// New creates the client
func New(c Config) (*Client, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", c.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: unsupported scheme", c.URL)
	}
	cl := &Client{
		base:         strings.TrimRight(c.URL, "/"),
		key:          c.Key,
		retryMax:     c.RetryMax,
		retryInitial: c.RetryInitial,
		hc:           c.HTTPClient,
		logger:       c.Logger,
	}
	if cl.retryMax <= 0 {
		cl.retryMax = defaultRetryMax
	}
	if cl.retryInitial <= 0 {
		cl.retryInitial = defaultRetryInitial
	}
	if cl.hc == nil {
		cl.hc = &http.Client{Timeout: defaultTimeout}
	}
	if cl.logger == nil {
		cl.logger = zap.NewNop()
	}
	return cl, nil
}

// FetchSubmission fetches the next pending submission, nil if none
func (c *Client) FetchSubmission(ctx context.Context) (*types.Submission, error) {
	var sub *types.Submission
	err := c.retry(ctx, "fetch submission", func() error {
		resp, err := c.post(ctx, "/fetch/submission", &fetchRequest{Key: c.key}, "")
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNoContent {
			sub = nil
			return nil
		}
		var s submission
		if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
			// truncated body is likely a broken connection
			return fmt.Errorf("decode submission: %w", err)
		}
		if s.SubmissionID <= 0 {
			return backoff.Permanent(fmt.Errorf("invalid submission id %d", s.SubmissionID))
		}
		sub = s.toSubmission()
		return nil
	})
	return sub, err
}

// ReportVerdict reports the verdict, all attempts share one request id
func (c *Client) ReportVerdict(ctx context.Context, v *types.Verdict) error {
	req := newVerdictRequest(c.key, v)
	requestID := uuid.NewString()
	return c.retry(ctx, "report verdict", func() error {
		resp, err := c.post(ctx, "/fetch/verdict", req, requestID)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil
	})
}

// DownloadTestdata opens the testdata content, the caller closes the body
func (c *Client) DownloadTestdata(ctx context.Context, tid int64, kind filestore.Kind) (io.ReadCloser, bool, error) {
	q := url.Values{}
	q.Set("key", c.key)
	q.Set("tid", strconv.FormatInt(tid, 10))
	q.Set("type", string(kind))

	var resp *http.Response
	err := c.retry(ctx, "download testdata", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/fetch/testdata?"+q.Encode(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err = c.do(req)
		return err
	})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, false, fmt.Errorf("%w: testdata %d %s", filestore.ErrNotFound, tid, kind)
		}
		return nil, false, err
	}
	compressed := resp.Header.Get("Content-Type") == "application/zstd"
	return resp.Body, compressed, nil
}

func (c *Client) post(ctx context.Context, path string, body any, requestID string) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set(requestIDHeader, requestID)
	}
	return c.do(req)
}

// do sends the request, non 2xx responses are converted into StatusError
// and marked permanent unless retrying may help
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	if se.transient() {
		return nil, se
	}
	return nil, backoff.Permanent(se)
}

// retry runs op with bounded exponential backoff. Errors that are still
// failing after the last retry are wrapped with client.ErrTransient.
func (c *Client) retry(ctx context.Context, name string, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryInitial
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.retryMax)), ctx)

	permanent := false
	err := backoff.RetryNotify(func() error {
		err := op()
		var pe *backoff.PermanentError
		permanent = errors.As(err, &pe)
		return err
	}, b, func(err error, d time.Duration) {
		c.logger.Warn("server request failed, retrying", zap.String("op", name), zap.Duration("after", d), zap.Error(err))
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case permanent:
		return fmt.Errorf("%s: %w", name, err)
	default:
		return fmt.Errorf("%s: %w: %w", name, client.ErrTransient, err)
	}
}
