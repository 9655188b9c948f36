package controlplane

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/sidecar-health/internal/xerrors"
)

const DefaultTimeout = 5 * time.Second

// Error kinds, also used as the controlplane_errors_total type label.
var (
	ErrToken   = errors.New("token")
	ErrRequest = errors.New("request")
	ErrStatus  = errors.New("status")
)

// ErrorKind returns the label for an error returned by Ping.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrToken):
		return "token"
	case errors.Is(err, ErrStatus):
		return "status"
	default:
		return "request"
	}
}

type ClientOptions struct {
	// BaseURL of the API server, e.g. https://10.96.0.1:443
	BaseURL string
	// TokenFile holds the bearer token. It is re-read on every request so
	// projected service account token rotation is picked up. Empty disables auth.
	TokenFile string
	// CAFile is a PEM bundle used to verify the API server. Empty uses system roots.
	CAFile  string
	Timeout time.Duration
	// Transport overrides the base round tripper, mainly for tests.
	Transport http.RoundTripper
}

// Client talks to the API server's /version endpoint.
type Client struct {
	base      string
	tokenFile string
	http      *http.Client
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, xerrors.New("controlplane: base url is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	base := opts.Transport
	if base == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if opts.CAFile != "" {
			pool, err := loadCAPool(opts.CAFile)
			if err != nil {
				return nil, err
			}
			tr.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
		}
		base = tr
	}

	return &Client{
		base:      strings.TrimRight(opts.BaseURL, "/"),
		tokenFile: opts.TokenFile,
		http: &http.Client{
			Timeout: timeout,
			Transport: otelhttp.NewTransport(base,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "controlplane " + r.Method + " " + r.URL.Path
				}),
			),
		},
	}, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read ca file %s", path)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, xerrors.Newf("no certificates found in ca file %s", path)
	}
	return pool, nil
}

func (c *Client) token() (string, error) {
	if c.tokenFile == "" {
		return "", nil
	}
	b, err := os.ReadFile(c.tokenFile)
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %w", ErrToken, c.tokenFile, err)
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrToken, c.tokenFile)
	}
	return tok, nil
}

// Ping issues GET /version. Any 2xx response counts as contact.
func (c *Client) Ping(ctx context.Context) error {
	tok, err := c.token()
	if err != nil {
		return xerrors.WithStack(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/version", http.NoBody)
	if err != nil {
		return xerrors.WithStack(fmt.Errorf("%w: %w", ErrRequest, err))
	}
	req.Header.Set("Accept", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return xerrors.WithStack(fmt.Errorf("%w: %w", ErrRequest, err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return xerrors.WithStack(fmt.Errorf("%w: GET /version returned %d", ErrStatus, resp.StatusCode))
	}
	return nil
}
