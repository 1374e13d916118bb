package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/superfly/litedelta"
	"golang.org/x/net/http2"
)

// Client represents a client for the litedelta admin API.
type Client struct {
	// Underlying HTTP client
	HTTPClient *http.Client
}

// NewClient returns an instance of Client.
func NewClient() *Client {
	return &Client{
		HTTPClient: &http.Client{
			Transport: &http2.Transport{
				AllowHTTP: true,
				DialTLS: func(network, addr string, cfg *tls.Config) (net.Conn, error) {
					return net.Dial(network, addr) // h2c-only right now
				},
			},
		},
	}
}

// BeginBackup starts a backup of the named database on the remote server.
func (c *Client) BeginBackup(ctx context.Context, rawurl, name string) (*litedelta.BackupStatus, error) {
	var status litedelta.BackupStatus
	if err := c.do(ctx, http.MethodPost, rawurl, "/backup/begin", url.Values{"db": {name}}, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// EndBackup ends a backup of the named database on the remote server.
func (c *Client) EndBackup(ctx context.Context, rawurl, name string, recover bool) (*litedelta.BackupStatus, error) {
	q := url.Values{"db": {name}}
	if recover {
		q.Set("recover", strconv.FormatBool(recover))
	}

	var status litedelta.BackupStatus
	if err := c.do(ctx, http.MethodPost, rawurl, "/backup/end", q, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Status returns the backup status of the named database.
func (c *Client) Status(ctx context.Context, rawurl, name string) (*litedelta.BackupStatus, error) {
	var status litedelta.BackupStatus
	if err := c.do(ctx, http.MethodGet, rawurl, "/backup/status", url.Values{"db": {name}}, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Statuses returns the backup status of every database on the server.
func (c *Client) Statuses(ctx context.Context, rawurl string) ([]*litedelta.BackupStatus, error) {
	var a []*litedelta.BackupStatus
	if err := c.do(ctx, http.MethodGet, rawurl, "/backup/status", nil, &a); err != nil {
		return nil, err
	}
	return a, nil
}

func (c *Client) do(ctx context.Context, method, rawurl, path string, q url.Values, v any) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return fmt.Errorf("invalid client URL: %w", err)
	} else if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme")
	} else if u.Host == "" {
		return fmt.Errorf("URL host required")
	}

	// Strip off everything but the scheme/host & add query params.
	*u = url.URL{
		Scheme:   u.Scheme,
		Host:     u.Host,
		Path:     path,
		RawQuery: q.Encode(),
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
