package server

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tasknet/discovery"
)

func TestCreateNetworkLocation(t *testing.T) {
	env := newTestEnv(t)

	t.Run("probes variations and stores the peer", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/discovery/networklocation/", superuserToken,
			CreateNetworkLocationRequest{BaseURL: "kolibri.qqq"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var loc discovery.NetworkLocation
		decode(t, resp, &loc)
		assert.Equal(t, "https://kolibri.qqq", loc.BaseURL)
		assert.Equal(t, "classroom", loc.DeviceName)
		assert.Equal(t, "device-1", loc.DeviceID)
		assert.True(t, loc.Available)
		assert.NotEmpty(t, loc.ID)
	})

	t.Run("falls back to http on 8080", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/discovery/networklocation/", superuserToken,
			CreateNetworkLocationRequest{BaseURL: "learner.qqq"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var loc discovery.NetworkLocation
		decode(t, resp, &loc)
		assert.Equal(t, "http://learner.qqq:8080", loc.BaseURL)
		assert.True(t, loc.SubsetOfUsersDevice)
	})

	t.Run("no kolibri peer", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/discovery/networklocation/", superuserToken,
			CreateNetworkLocationRequest{BaseURL: "nonkolibri.qqq"})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var body errorResponse
		decode(t, resp, &body)
		assert.Contains(t, body.Error, "nonkolibri.qqq")
		assert.Len(t, body.Details, 4, "one detail per attempted variation")
	})

	t.Run("missing base_url", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/discovery/networklocation/", superuserToken,
			map[string]string{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/discovery/networklocation/", superuserToken, "not an object")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("anonymous is forbidden", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/discovery/networklocation/", "",
			CreateNetworkLocationRequest{BaseURL: "kolibri.qqq"})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("non-superuser is forbidden", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/discovery/networklocation/", userToken,
			CreateNetworkLocationRequest{BaseURL: "kolibri.qqq"})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestListNetworkLocations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, addr := range []string{"kolibri.qqq", "learner.qqq"} {
		_, err := env.discovery.Add(ctx, addr)
		require.NoError(t, err)
	}

	t.Run("all", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/api/discovery/networklocation/", userToken, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var locs []discovery.NetworkLocation
		decode(t, resp, &locs)
		assert.Len(t, locs, 2)
	})

	t.Run("subset of users device", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/api/discovery/networklocation/?subset_of_users_device=true", userToken, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var locs []discovery.NetworkLocation
		decode(t, resp, &locs)
		require.Len(t, locs, 1)
		assert.Equal(t, "http://learner.qqq:8080", locs[0].BaseURL)
	})

	t.Run("bad filter", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/api/discovery/networklocation/?available=sometimes", userToken, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("anonymous is forbidden", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/api/discovery/networklocation/", "", nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestGetAndDeleteNetworkLocation(t *testing.T) {
	env := newTestEnv(t)
	loc, err := env.discovery.Add(context.Background(), "kolibri.qqq")
	require.NoError(t, err)
	path := "/api/discovery/networklocation/" + loc.ID

	resp := env.do(t, http.MethodGet, path, userToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got discovery.NetworkLocation
	decode(t, resp, &got)
	assert.Equal(t, loc.BaseURL, got.BaseURL)

	resp = env.do(t, http.MethodDelete, path, userToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, path, superuserToken, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, path, userToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, path, superuserToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
