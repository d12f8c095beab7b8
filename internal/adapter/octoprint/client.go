package octoprint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openfab/printfleet/internal/adapter"
	"github.com/openfab/printfleet/internal/printer"
)

// client wraps the OctoPrint REST API with authentication and bounded
// retries. OctoPrint is pull-only: every query is a synchronous round trip.
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newClient(baseURL, apiKey string, timeout time.Duration) *client {
	if timeout <= 0 {
		timeout = adapter.DefaultConnectTimeout
	}
	return &client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// do performs one request with retry on transient failures. Permanent
// failures (auth, malformed request) abort immediately.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	op := "octoprint " + method + " " + path

	attempt := func() error {
		var reader io.Reader
		if body != nil {
			buf, err := json.Marshal(body)
			if err != nil {
				return backoff.Permanent(printer.WrapError(printer.KindFatal, op, "encode request", err))
			}
			reader = bytes.NewReader(buf)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(printer.WrapError(printer.KindFatal, op, "build request", err))
		}
		req.Header.Set("X-Api-Key", c.apiKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return c.roundTrip(req, op, out)
	}

	// backoff.Retry unwraps Permanent errors before returning them.
	err := backoff.Retry(attempt, backoff.WithContext(adapter.RetryPolicy(), ctx))
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Retry returns the bare context error when the deadline lands
		// between attempts; keep the transient classification.
		return printer.WrapError(printer.KindTransient, op, "request aborted", err)
	}
	return err
}

func (c *client) roundTrip(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and resets are retryable; everything else from the
		// transport usually is too (DNS flaps, refused during reboot).
		return printer.WrapError(printer.KindTransient, op, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return printer.WrapError(printer.KindTransient, op, "read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := adapter.ClassifyHTTPStatus(resp.StatusCode)
		perr := printer.NewError(kind, op, fmt.Sprintf("server returned %s", resp.Status))
		if kind == printer.KindTransient {
			return perr
		}
		return backoff.Permanent(perr)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return printer.WrapError(printer.KindTransient, op, "decode response", err)
	}
	return nil
}

// upload posts a local file to OctoPrint's local storage via multipart form.
func (c *client) upload(ctx context.Context, path string) error {
	op := "octoprint upload"

	f, err := os.Open(path)
	if err != nil {
		return printer.WrapError(printer.KindFatal, op, "open file", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return printer.WrapError(printer.KindFatal, op, "build form", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return printer.WrapError(printer.KindFatal, op, "read file", err)
	}
	if err := w.Close(); err != nil {
		return printer.WrapError(printer.KindFatal, op, "finalize form", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/files/local", &buf)
	if err != nil {
		return printer.WrapError(printer.KindFatal, op, "build request", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Content-Type", w.FormDataContentType())

	err = c.roundTrip(req, op, nil)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
