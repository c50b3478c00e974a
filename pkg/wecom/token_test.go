package wecom

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// withTestAPIBase temporarily points the package's apiBase at url for
// the duration of fn. Tests never run in parallel with each other in
// this package, so a bare swap-and-restore is safe.
func withTestAPIBase(t *testing.T, url string, fn func()) {
	t.Helper()
	original := apiBase
	apiBase = url
	defer func() { apiBase = original }()
	fn()
}

func TestTokenCacheSingleFlight(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		fmt.Fprint(w, `{"errcode":0,"errmsg":"ok","access_token":"tok-1","expires_in":7200}`)
	}))
	defer srv.Close()

	tc := NewTokenCache("corp", "secret")
	tc.client = srv.Client()

	withTestAPIBase(t, srv.URL, func() {
		var wg sync.WaitGroup
		results := make([]string, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				token, err := tc.Get(context.Background())
				require.NoError(t, err)
				results[i] = token
			}(i)
		}
		wg.Wait()

		for _, r := range results {
			require.Equal(t, "tok-1", r)
		}
		require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})
}

func TestTokenCacheUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errcode":40001,"errmsg":"invalid credential"}`)
	}))
	defer srv.Close()

	tc := NewTokenCache("corp", "secret")
	tc.client = srv.Client()

	withTestAPIBase(t, srv.URL, func() {
		_, err := tc.Get(context.Background())
		require.Error(t, err)
	})
}

func TestTokenCacheRefreshesAfterExpiry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"errcode":0,"errmsg":"ok","access_token":"tok-2","expires_in":7200}`)
	}))
	defer srv.Close()

	tc := NewTokenCache("corp", "secret")
	tc.client = srv.Client()

	withTestAPIBase(t, srv.URL, func() {
		_, err := tc.Get(context.Background())
		require.NoError(t, err)
		require.Equal(t, int32(1), atomic.LoadInt32(&calls))

		_, err = tc.Get(context.Background())
		require.NoError(t, err)
		require.Equal(t, int32(1), atomic.LoadInt32(&calls), "cached token should be reused")

		tc.Invalidate()
		_, err = tc.Get(context.Background())
		require.NoError(t, err)
		require.Equal(t, int32(2), atomic.LoadInt32(&calls), "invalidate should force a refresh")
	})
}
