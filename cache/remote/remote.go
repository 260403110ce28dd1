// Package remote implements a cache tier backed by a content-addressed HTTP
// store.
//
// Entries are exchanged as whole payloads: GET and PUT against
// <base>/v1/entries/<fingerprint>, with direct-mode records as JSON under
// <base>/v1/dm/<fingerprint>. A 404 is a miss; transport errors and 5xx
// responses are retried a few times and then surfaced to the facade, which
// logs them and treats the tier as missing.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/meigma/buildcache/cache"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultAttempts = 3

	maxResponseSize = 1 << 30
)

// Store is a remote cache tier.
type Store struct {
	base     string
	name     string
	client   *http.Client
	readOnly bool
	attempts uint
}

// Option configures a Store.
type Option func(*Store)

// WithClient sets the HTTP client used for requests.
func WithClient(client *http.Client) Option {
	return func(s *Store) {
		s.client = client
	}
}

// WithReadOnly disables commits to this tier.
func WithReadOnly(readOnly bool) Option {
	return func(s *Store) {
		s.readOnly = readOnly
	}
}

// WithAttempts sets how many times a failed request is tried.
func WithAttempts(n uint) Option {
	return func(s *Store) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// New creates a remote tier for the endpoint base URL.
func New(base string, opts ...Option) (*Store, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("remote: parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported scheme %q", u.Scheme)
	}
	s := &Store{
		base:     strings.TrimRight(base, "/"),
		name:     u.Host,
		client:   &http.Client{Timeout: defaultTimeout},
		attempts: defaultAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name implements cache.Tier.
func (s *Store) Name() string {
	return "remote:" + s.name
}

// Writable implements cache.Tier.
func (s *Store) Writable() bool {
	return !s.readOnly
}

// FetchEntry implements cache.Tier.
func (s *Store) FetchEntry(ctx context.Context, pf cache.Fingerprint) (*cache.Payload, error) {
	body, err := s.get(ctx, s.entryURL(pf))
	if err != nil {
		return nil, err
	}
	return cache.DecodePayload(bytes.NewReader(body))
}

// StoreEntry implements cache.Tier.
func (s *Store) StoreEntry(ctx context.Context, pf cache.Fingerprint, p *cache.Payload) error {
	if s.readOnly {
		return cache.ErrReadOnly
	}
	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		return err
	}
	return s.put(ctx, s.entryURL(pf), "application/octet-stream", buf.Bytes())
}

// FetchDirect implements cache.Tier.
func (s *Store) FetchDirect(ctx context.Context, df cache.Fingerprint) (*cache.DirectRecord, error) {
	body, err := s.get(ctx, s.dmURL(df))
	if err != nil {
		return nil, err
	}
	return cache.DecodeDirectRecord(body)
}

// StoreDirect implements cache.Tier.
func (s *Store) StoreDirect(ctx context.Context, df cache.Fingerprint, rec *cache.DirectRecord) error {
	if s.readOnly {
		return cache.ErrReadOnly
	}
	data, err := cache.EncodeDirectRecord(rec)
	if err != nil {
		return err
	}
	return s.put(ctx, s.dmURL(df), "application/json", data)
}

func (s *Store) entryURL(pf cache.Fingerprint) string {
	return s.base + "/v1/entries/" + string(pf)
}

func (s *Store) dmURL(df cache.Fingerprint) string {
	return s.base + "/v1/dm/" + string(df)
}

// get fetches a URL, retrying transient failures. A 404 maps to
// cache.ErrMiss.
func (s *Store) get(ctx context.Context, url string) ([]byte, error) {
	return retry.DoWithData(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, retry.Unrecoverable(err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
			if err != nil {
				return nil, err
			}
			return body, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, retry.Unrecoverable(cache.ErrMiss)
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("remote: GET %s: %s", url, resp.Status)
		default:
			return nil, retry.Unrecoverable(fmt.Errorf("remote: GET %s: %s", url, resp.Status))
		}
	}, s.retryOpts(ctx)...)
}

// put uploads a body, retrying transient failures.
func (s *Store) put(ctx context.Context, url, contentType string, body []byte) error {
	return retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("Content-Type", contentType)
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("remote: PUT %s: %s", url, resp.Status)
		default:
			return retry.Unrecoverable(fmt.Errorf("remote: PUT %s: %s", url, resp.Status))
		}
	}, s.retryOpts(ctx)...)
}

func (s *Store) retryOpts(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(2 * time.Second),
		retry.LastErrorOnly(true),
	}
}

var _ cache.Tier = (*Store)(nil)
