// Package httpclient builds the HTTP client used to talk to peer devices.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/tasknet/errors"
)

// PeerClient wraps http.Client for LAN peer probing. Private addresses are the
// normal case for peers, so only cloud metadata and special-purpose ranges are
// refused.
type PeerClient struct {
	*http.Client
	allowedSchemes []string
	maxRedirects   int
}

// PeerClientOptions customizes NewPeerClient.
type PeerClientOptions struct {
	AllowedSchemes []string // Default: ["http", "https"]
	MaxRedirects   *int     // Default: 3
	Transport      http.RoundTripper
}

// NewPeerClient creates a client with the given per-request timeout.
func NewPeerClient(timeout time.Duration, opts PeerClientOptions) *PeerClient {
	allowedSchemes := []string{"http", "https"}
	if opts.AllowedSchemes != nil {
		allowedSchemes = opts.AllowedSchemes
	}

	maxRedirects := 3
	if opts.MaxRedirects != nil {
		maxRedirects = *opts.MaxRedirects
	}

	client := &PeerClient{
		Client:         &http.Client{Timeout: timeout},
		allowedSchemes: allowedSchemes,
		maxRedirects:   maxRedirects,
	}

	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= client.maxRedirects {
			return errors.Newf("stopped after %d redirects", client.maxRedirects)
		}
		if err := client.validateURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	if opts.Transport != nil {
		client.Transport = opts.Transport
		return client
	}

	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	client.Transport = &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrap(err, "invalid address")
			}

			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to resolve host %q", host)
			}
			for _, ip := range ips {
				if isRestrictedIP(ip) {
					return nil, errors.Newf("restricted IP address blocked: %s", ip)
				}
			}

			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:          20,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return client
}

// ValidateURL parses and checks a URL before a request is made.
func (c *PeerClient) ValidateURL(urlStr string) (*url.URL, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.validateURL(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (c *PeerClient) validateURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range c.allowedSchemes {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.Newf("scheme %q not allowed (allowed: %v)", scheme, c.allowedSchemes)
	}

	if u.User != nil {
		return errors.New("URL must not carry credentials")
	}

	hostname := u.Hostname()
	if hostname == "" {
		return errors.New("URL missing hostname")
	}
	if ip := net.ParseIP(hostname); ip != nil && isRestrictedIP(ip) {
		return errors.Newf("restricted IP address blocked: %s", hostname)
	}

	return nil
}

// isRestrictedIP reports addresses a peer can never legitimately live on:
// link-local (cloud metadata), multicast and unspecified.
func isRestrictedIP(ip net.IP) bool {
	return ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified()
}

// GetJSON issues a GET with the Accept header set, after validating the URL.
func (c *PeerClient) GetJSON(ctx context.Context, urlStr string) (*http.Response, error) {
	if _, err := c.ValidateURL(urlStr); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	return c.Client.Do(req)
}
