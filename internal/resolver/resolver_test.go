// SPDX-License-Identifier: MIT

package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camtuner/camtuner/internal/registry"
)

func hlsChannel(locator string) registry.Channel {
	return registry.Channel{
		ID:     101,
		Name:   "Lobby Feed",
		Source: registry.Source{Kind: registry.KindHLS, Locator: locator},
	}
}

func TestResolvePrefersFirstServingVariant(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		paths = append(paths, req.URL.Path)
		mu.Unlock()
		if req.URL.Path == "/cam/master.m3u8" {
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			_, _ = w.Write([]byte("#EXTM3U\n#EXT-X-VERSION:3\n"))
			return
		}
		http.NotFound(w, req)
	}))
	defer srv.Close()

	r := New(srv.Client())
	got, err := r.Resolve(context.Background(), hlsChannel(srv.URL+"/cam"))
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/cam/master.m3u8", got)

	// index is tried first, master answers, playlist is never needed
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/cam/index.m3u8", "/cam/master.m3u8"}, paths)
}

func TestResolveAcceptsPlaylistBodyWithoutContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/index.m3u8" {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("#EXTM3U\n"))
			return
		}
		http.NotFound(w, req)
	}))
	defer srv.Close()

	r := New(srv.Client())
	got, err := r.Resolve(context.Background(), hlsChannel(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/index.m3u8", got)
}

func TestResolveExhaustsAllVariants(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	r := New(srv.Client())
	_, err := r.Resolve(context.Background(), hlsChannel(srv.URL+"/cam"))
	require.ErrorIs(t, err, ErrExhausted)
}

func TestResolveSkipsExplicitPlaylistURL(t *testing.T) {
	// no server: an explicit playlist path must not be probed
	r := New(nil)
	got, err := r.Resolve(context.Background(), hlsChannel("https://feeds.example/cam/live.m3u8"))
	require.NoError(t, err)
	assert.Equal(t, "https://feeds.example/cam/live.m3u8", got)
}

func TestResolveKeepsQueryString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/live/index.m3u8" && req.URL.Query().Get("token") == "abc" {
			_, _ = w.Write([]byte("#EXTM3U\n"))
			return
		}
		http.NotFound(w, req)
	}))
	defer srv.Close()

	r := New(srv.Client())
	got, err := r.Resolve(context.Background(), hlsChannel(srv.URL+"/live?token=abc"))
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/live/index.m3u8?token=abc", got)
}

func TestResolveSendsAuthAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		user, pass, ok := req.BasicAuth()
		if !ok || user != "viewer" || pass != "secret" || req.Header.Get("X-Feed-Token") != "abc123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("#EXTM3U\n"))
	}))
	defer srv.Close()

	ch := hlsChannel(srv.URL)
	ch.Username = "viewer"
	ch.Password = "secret"
	ch.Headers = map[string]string{"X-Feed-Token": "abc123"}

	r := New(srv.Client())
	got, err := r.Resolve(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/index.m3u8", got)
}
