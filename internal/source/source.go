// Package source opens the JSON input of an import: a file, stdin or an
// HTTP(S) URL.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// DefaultTimeout bounds a whole URL download, body included.
const DefaultTimeout = 300 * time.Second

// Spec describes where the input comes from. URL wins over File; an empty
// File or "-" means Stdin.
type Spec struct {
	URL   string
	File  string
	Stdin io.Reader
}

// Name describes the input for logs.
func (s Spec) Name() string {
	switch {
	case strings.TrimSpace(s.URL) != "":
		return s.URL
	case s.File != "" && s.File != "-":
		return s.File
	default:
		return "stdin"
	}
}

// Opener opens inputs with a consistent timeout policy.
type Opener struct {
	client  *http.Client
	timeout time.Duration
}

// NewOpener creates an Opener. If client is nil, http.DefaultClient is used;
// a timeout <= 0 means DefaultTimeout.
func NewOpener(client *http.Client, timeout time.Duration) *Opener {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Opener{client: client, timeout: timeout}
}

// Open returns a reader for the input. The caller must Close it.
//
// On non-2xx HTTP responses, Open returns an error that includes the status
// code and up to 4KB of the response body.
func (o *Opener) Open(ctx context.Context, s Spec) (io.ReadCloser, error) {
	if strings.TrimSpace(s.URL) != "" {
		return o.fetch(ctx, strings.TrimSpace(s.URL))
	}
	if s.File != "" && s.File != "-" {
		f, err := os.Open(s.File)
		if err != nil {
			return nil, fmt.Errorf("source: %w", err)
		}
		return f, nil
	}
	if s.Stdin == nil {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return io.NopCloser(s.Stdin), nil
}

// Open opens s with the default opener.
func Open(ctx context.Context, s Spec) (io.ReadCloser, error) {
	return NewOpener(nil, 0).Open(ctx, s)
}

func (o *Opener) fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("source: new request: %w", err)
	}
	req.Header.Set("User-Agent", "jsonrel/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("source: http get: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("source: http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return &cancelBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

// cancelBody releases the request context once the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
