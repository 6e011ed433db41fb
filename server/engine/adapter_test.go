package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkayisi/tm20-terminal/server/storage"
)

func testConfig(baseURL string) *storage.ThirdPartyConfig {
	return &storage.ThirdPartyConfig{
		Name:               `test`,
		BaseURL:            baseURL,
		UsersEndpoint:      `/api/users`,
		AttendanceEndpoint: `/api/attendance`,
		AuthType:           storage.AuthNone,
		ExtraHeaders:       `{}`,
		TimeoutSeconds:     5,
	}
}

func TestAuthHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	cases := []struct {
		name   string
		mutate func(*storage.ThirdPartyConfig)
		header string
		want   string
	}{
		{`bearer`, func(c *storage.ThirdPartyConfig) {
			c.AuthType = storage.AuthBearer
			c.AuthToken = `tok123`
		}, `Authorization`, `Bearer tok123`},
		{`api_key_default_header`, func(c *storage.ThirdPartyConfig) {
			c.AuthType = storage.AuthAPIKey
			c.AuthToken = `key456`
		}, `X-API-Key`, `key456`},
		{`api_key_custom_header`, func(c *storage.ThirdPartyConfig) {
			c.AuthType = storage.AuthAPIKey
			c.AuthToken = `key456`
			c.AuthHeaderName = `X-Custom-Auth`
		}, `X-Custom-Auth`, `key456`},
		{`basic`, func(c *storage.ThirdPartyConfig) {
			c.AuthType = storage.AuthBasic
			c.AuthToken = `user:pass`
		}, `Authorization`, `Basic dXNlcjpwYXNz`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(srv.URL)
			tc.mutate(cfg)
			_, err := NewAdapter(cfg).FetchUsers(context.Background(), nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Get(tc.header))
		})
	}
}

func TestExtraHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.ExtraHeaders = `{"X-Tenant":"acme"}`
	_, err := NewAdapter(cfg).FetchUsers(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, `acme`, got.Get(`X-Tenant`))
	assert.Equal(t, `application/json`, got.Get(`Content-Type`))
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   string
	}{
		{http.StatusUnauthorized, ErrKindAuth},
		{http.StatusForbidden, ErrKindAuth},
		{http.StatusTooManyRequests, ErrKindRateLimited},
		{http.StatusInternalServerError, ErrKindServer},
		{http.StatusBadGateway, ErrKindServer},
		{http.StatusNotFound, ErrKindClient},
		{http.StatusBadRequest, ErrKindClient},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		_, err := NewAdapter(testConfig(srv.URL)).FetchUsers(context.Background(), nil)
		srv.Close()
		require.Error(t, err)
		remote, ok := err.(*RemoteError)
		require.True(t, ok)
		assert.Equal(t, tc.kind, remote.Kind, `status %d`, tc.status)
		assert.Equal(t, tc.status, remote.Status)
	}
}

func TestRetryAfterHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(`Retry-After`, `120`)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewAdapter(testConfig(srv.URL)).SendAttendance(context.Background(), nil)
	remote, ok := err.(*RemoteError)
	require.True(t, ok)
	assert.Equal(t, ErrKindRateLimited, remote.Kind)
	assert.Equal(t, 2*time.Minute, remote.RetryAfter)
}

func TestSendAttendanceAcceptedStatuses(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusCreated, http.StatusAccepted} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		err := NewAdapter(testConfig(srv.URL)).SendAttendance(context.Background(), []map[string]any{{`enrollid`: 1}})
		srv.Close()
		assert.NoError(t, err, `status %d`, status)
	}
}

func TestFetchUsersEnvelopes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int
	}{
		{`bare_list`, `[{"id":"1"},{"id":"2"}]`, 2},
		{`users_key`, `{"users":[{"id":"1"}]}`, 1},
		{`data_key`, `{"data":[{"id":"1"},{"id":"2"},{"id":"3"}]}`, 3},
		{`employees_key`, `{"employees":[{"id":"1"}]}`, 1},
		{`items_key`, `{"items":[]}`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()
			users, err := NewAdapter(testConfig(srv.URL)).FetchUsers(context.Background(), nil)
			require.NoError(t, err)
			assert.Len(t, users, tc.want)
		})
	}
}

func TestFetchUsersBadEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[{"id":"1"}]}`))
	}))
	defer srv.Close()
	_, err := NewAdapter(testConfig(srv.URL)).FetchUsers(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, ErrKindClient, err.(*RemoteError).Kind)
}

func TestNetworkError(t *testing.T) {
	cfg := testConfig(`http://127.0.0.1:1`)
	err := NewAdapter(cfg).TestConnection(context.Background())
	require.Error(t, err)
	assert.Equal(t, ErrKindNetwork, err.(*RemoteError).Kind)
}

func TestBuildURL(t *testing.T) {
	a := NewAdapter(testConfig(`http://example.com/base/`))
	assert.Equal(t, `http://example.com/base/api/users`, a.buildURL(`/api/users`, nil))
	assert.Equal(t, `http://example.com/base/api/users?page=2`, a.buildURL(`api/users`, map[string]string{`page`: `2`}))
}

func TestTruncateRuneBoundary(t *testing.T) {
	long := strings.Repeat(`é`, 300)
	got := truncate(long, 501)
	assert.Equal(t, 500, len(got))
	assert.True(t, utf8.ValidString(got))

	assert.Equal(t, `héllo`, truncate(`héllo`, 10))
	assert.Equal(t, ``, truncate(`日本語`, 2))
}
