// SPDX-License-Identifier: MIT

// Package client is the worker's typed view of the coordinator HTTP API.
// All RPCs are idempotent by construction (job id + lease holder predicate),
// so everything retries with exponential backoff on transport errors.
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
	"strings"
	"time"

	"github.com/openscribe/scribed/internal/api"
	"github.com/openscribe/scribed/internal/httpx"
	"github.com/openscribe/scribed/internal/log"
	"github.com/openscribe/scribed/internal/model"
)

// ErrLeaseLost is returned when the coordinator answers 409: the lease was
// reaped or taken over, and the current attempt must abort.
var ErrLeaseLost = errors.New("lease lost")

// ErrNoJob is returned by Next when the queue is empty (204). Not a failure.
var ErrNoJob = errors.New("no job available")

const (
	requestTimeout = 30 * time.Second
	maxAttempts    = 3
	backoffBase    = 500 * time.Millisecond
)

// Client talks to one coordinator on behalf of one worker identity.
type Client struct {
	baseURL   string
	workerID  string
	http      *http.Client
	streaming *http.Client
}

// New builds a client. baseURL has no trailing slash; workerID is the
// stable process identity used as lease holder.
func New(baseURL, workerID string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		workerID:  workerID,
		http:      httpx.NewClient(requestTimeout),
		streaming: httpx.NewStreamingClient(),
	}
}

// WorkerID returns the lease-holder identity this client presents.
func (c *Client) WorkerID() string { return c.workerID }

// retry runs fn up to maxAttempts with exponential backoff. Only transport
// errors retry; HTTP status handling is fn's business.
func (c *Client) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			l := log.WithComponent("client")
			l.Debug().Str("op", op).Int("attempt", attempt+1).Msg("retrying rpc")
		}
		if err = fn(); err == nil {
			return nil
		}
		// Definitive answers from the coordinator are not retried.
		if errors.Is(err, ErrLeaseLost) || errors.Is(err, ErrNoJob) || errors.Is(err, context.Canceled) {
			return err
		}
	}
	// Exhausted attempts on a transport error or 5xx. The work itself is
	// fine, so the failure must stay retryable.
	return model.NewReasonError(model.RIO, op+" rpc failed", err)
}

// Next polls for a job. Returns ErrNoJob when idle.
func (c *Client) Next(ctx context.Context) (*api.NextResponse, error) {
	var out api.NextResponse
	err := c.retry(ctx, "next", func() error {
		u := fmt.Sprintf("%s/jobs/next?worker=%s", c.baseURL, url.QueryEscape(c.workerID))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer drain(resp)

		switch resp.StatusCode {
		case http.StatusOK:
			return json.NewDecoder(resp.Body).Decode(&out)
		case http.StatusNoContent:
			return ErrNoJob
		default:
			return unexpectedStatus(resp)
		}
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat extends the lease; ErrLeaseLost on 409.
func (c *Client) Heartbeat(ctx context.Context, jobID string) (int64, error) {
	var out api.HeartbeatResponse
	err := c.retry(ctx, "heartbeat", func() error {
		body, _ := json.Marshal(map[string]string{"worker": c.workerID})
		u := fmt.Sprintf("%s/jobs/%s/heartbeat", c.baseURL, url.PathEscape(jobID))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer drain(resp)

		switch resp.StatusCode {
		case http.StatusOK:
			return json.NewDecoder(resp.Body).Decode(&out)
		case http.StatusConflict:
			return ErrLeaseLost
		default:
			return unexpectedStatus(resp)
		}
	})
	if err != nil {
		return 0, err
	}
	return out.LeaseExpiryUnixMS, nil
}

// Complete commits the job; ErrLeaseLost on 409.
func (c *Client) Complete(ctx context.Context, jobID string, req api.CompleteRequest) error {
	req.Worker = c.workerID
	return c.retry(ctx, "complete", func() error {
		body, err := json.Marshal(req)
		if err != nil {
			return err
		}
		u := fmt.Sprintf("%s/jobs/%s/complete", c.baseURL, url.PathEscape(jobID))
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(httpReq)
		if err != nil {
			return err
		}
		defer drain(resp)

		switch resp.StatusCode {
		case http.StatusOK:
			return nil
		case http.StatusConflict:
			return ErrLeaseLost
		default:
			return unexpectedStatus(resp)
		}
	})
}

// Fail reports a failure; ErrLeaseLost on 409.
func (c *Client) Fail(ctx context.Context, jobID, reason string, retryable bool) error {
	return c.retry(ctx, "fail", func() error {
		body, _ := json.Marshal(api.FailRequest{
			Worker:    c.workerID,
			Reason:    reason,
			Retryable: retryable,
		})
		u := fmt.Sprintf("%s/jobs/%s/fail", c.baseURL, url.PathEscape(jobID))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer drain(resp)

		switch resp.StatusCode {
		case http.StatusOK:
			return nil
		case http.StatusConflict:
			return ErrLeaseLost
		default:
			return unexpectedStatus(resp)
		}
	})
}

// DownloadBlob streams a blob to w.
func (c *Client) DownloadBlob(ctx context.Context, key string, w io.Writer) error {
	u := fmt.Sprintf("%s/blobs/%s", c.baseURL, url.PathEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.streaming.Do(req)
	if err != nil {
		return model.NewReasonError(model.RIO, "download blob", err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		if _, err := io.Copy(w, resp.Body); err != nil {
			return model.NewReasonError(model.RIO, "download blob body", err)
		}
		return nil
	case http.StatusNotFound:
		return model.NewReasonError(model.RNotFound, fmt.Sprintf("blob %s", key), nil)
	default:
		return model.NewReasonError(model.RIO, "download blob", unexpectedStatus(resp))
	}
}

// UploadBlob streams r to the coordinator under key.
func (c *Client) UploadBlob(ctx context.Context, key string, r io.Reader) error {
	u := fmt.Sprintf("%s/blobs/%s", c.baseURL, url.PathEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.streaming.Do(req)
	if err != nil {
		return model.NewReasonError(model.RIO, "upload blob", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusCreated {
		return model.NewReasonError(model.RIO, "upload blob", unexpectedStatus(resp))
	}
	return nil
}

// DeleteBlob removes an artifact after a rejected commit. Best effort.
func (c *Client) DeleteBlob(ctx context.Context, key string) error {
	u := fmt.Sprintf("%s/blobs/%s", c.baseURL, url.PathEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusNoContent {
		return unexpectedStatus(resp)
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

func unexpectedStatus(resp *http.Response) error {
	return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, resp.Request.URL.Path)
}
