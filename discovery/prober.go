package discovery

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/teranos/tasknet/errors"
	"github.com/teranos/tasknet/internal/httpclient"
)

// InfoPath is the public endpoint every kolibri peer serves.
const InfoPath = "/api/public/info/"

// KolibriApplication is the application name a peer must report.
const KolibriApplication = "kolibri"

// maxInfoBytes bounds how much of an info response is read.
const maxInfoBytes = 1 << 20

// Probe failures, by kind. Each maps to a connection status.
var (
	ErrConnectionFailure = errors.New("peer connection failed")
	ErrResponseTimeout   = errors.New("peer response timed out")
	ErrInvalidResponse   = errors.New("peer response is not kolibri device info")
)

// DeviceInfo is the body of a peer's public info endpoint.
type DeviceInfo struct {
	Application         string `json:"application"`
	KolibriVersion      string `json:"kolibri_version"`
	InstanceID          string `json:"instance_id"`
	DeviceID            string `json:"device_id"`
	DeviceName          string `json:"device_name"`
	OperatingSystem     string `json:"operating_system"`
	SubsetOfUsersDevice bool   `json:"subset_of_users_device"`
}

// ID returns the device id, falling back to the instance id older peers send.
func (i *DeviceInfo) ID() string {
	if i.DeviceID != "" {
		return i.DeviceID
	}
	return i.InstanceID
}

// Prober asks a base URL who it is.
type Prober interface {
	Probe(ctx context.Context, baseURL string) (*DeviceInfo, error)
}

// HTTPProber probes peers over HTTP with a PeerClient.
type HTTPProber struct {
	client *httpclient.PeerClient
}

// NewHTTPProber creates a prober whose requests time out after timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return NewHTTPProberWithClient(httpclient.NewPeerClient(timeout, httpclient.PeerClientOptions{}))
}

// NewHTTPProberWithClient creates a prober over an existing client.
func NewHTTPProberWithClient(client *httpclient.PeerClient) *HTTPProber {
	return &HTTPProber{client: client}
}

// Probe fetches baseURL's info endpoint and checks that it is a kolibri peer.
func (p *HTTPProber) Probe(ctx context.Context, baseURL string) (*DeviceInfo, error) {
	resp, err := p.client.GetJSON(ctx, baseURL+InfoPath)
	if err != nil {
		if isTimeout(err) {
			return nil, errors.Wrapf(ErrResponseTimeout, "%s", baseURL)
		}
		return nil, errors.WithDetail(errors.Wrapf(ErrConnectionFailure, "%s", baseURL), err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ErrInvalidResponse, "%s returned HTTP %d", baseURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInfoBytes))
	if err != nil {
		if isTimeout(err) {
			return nil, errors.Wrapf(ErrResponseTimeout, "%s", baseURL)
		}
		return nil, errors.Wrapf(ErrConnectionFailure, "%s: reading body", baseURL)
	}

	var info DeviceInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, errors.Wrapf(ErrInvalidResponse, "%s sent malformed JSON", baseURL)
	}
	if info.Application != KolibriApplication {
		return nil, errors.Wrapf(ErrInvalidResponse, "%s reports application %q", baseURL, info.Application)
	}
	return &info, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// statusFor maps a probe error to the connection status it leaves behind.
func statusFor(err error) string {
	switch {
	case err == nil:
		return StatusOkay
	case errors.Is(err, ErrResponseTimeout):
		return StatusResponseTimeout
	case errors.Is(err, ErrInvalidResponse):
		return StatusInvalidResponse
	default:
		return StatusConnectionFailure
	}
}
