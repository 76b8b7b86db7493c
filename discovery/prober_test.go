package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tasknet/errors"
)

const kolibriInfo = `{
	"application": "kolibri",
	"kolibri_version": "0.16.2",
	"instance_id": "a1b2c3",
	"device_name": "Library laptop",
	"operating_system": "Linux",
	"subset_of_users_device": true
}`

func infoServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != InfoPath {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPProber(t *testing.T) {
	ctx := context.Background()
	prober := NewHTTPProber(2 * time.Second)

	t.Run("kolibri peer", func(t *testing.T) {
		srv := infoServer(t, http.StatusOK, kolibriInfo)
		info, err := prober.Probe(ctx, srv.URL)
		require.NoError(t, err)
		assert.Equal(t, "0.16.2", info.KolibriVersion)
		assert.Equal(t, "a1b2c3", info.ID())
		assert.Equal(t, "Library laptop", info.DeviceName)
		assert.True(t, info.SubsetOfUsersDevice)
	})

	t.Run("other application", func(t *testing.T) {
		srv := infoServer(t, http.StatusOK, `{"application": "studio"}`)
		_, err := prober.Probe(ctx, srv.URL)
		assert.True(t, errors.Is(err, ErrInvalidResponse))
		assert.Equal(t, StatusInvalidResponse, statusFor(err))
	})

	t.Run("not found", func(t *testing.T) {
		srv := infoServer(t, http.StatusNotFound, `{}`)
		_, err := prober.Probe(ctx, srv.URL)
		assert.True(t, errors.Is(err, ErrInvalidResponse))
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := infoServer(t, http.StatusOK, `<html>`)
		_, err := prober.Probe(ctx, srv.URL)
		assert.True(t, errors.Is(err, ErrInvalidResponse))
	})

	t.Run("nothing listening", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := prober.Probe(ctx, url)
		assert.True(t, errors.Is(err, ErrConnectionFailure))
		assert.Equal(t, StatusConnectionFailure, statusFor(err))
	})

	t.Run("slow peer times out", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		_, err := NewHTTPProber(50*time.Millisecond).Probe(ctx, srv.URL)
		assert.True(t, errors.Is(err, ErrResponseTimeout))
		assert.Equal(t, StatusResponseTimeout, statusFor(err))
	})
}

func TestDeviceInfoID(t *testing.T) {
	assert.Equal(t, "dev", (&DeviceInfo{DeviceID: "dev", InstanceID: "inst"}).ID())
	assert.Equal(t, "inst", (&DeviceInfo{InstanceID: "inst"}).ID())
	assert.Equal(t, StatusOkay, statusFor(nil))
}
