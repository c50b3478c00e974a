package binding

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateAndResolvePendingIsSingleUse(t *testing.T) {
	s := New()

	token, err := s.CreatePending("gw-A", time.Minute)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(token), 8)

	gatewayID, ok := s.ResolvePending(token)
	require.True(t, ok)
	require.Equal(t, "gw-A", gatewayID)

	_, ok = s.ResolvePending(token)
	require.False(t, ok, "a second resolution of the same token must fail")
}

func TestResolvePendingExpired(t *testing.T) {
	s := New()
	token, err := s.CreatePending("gw-A", -time.Second)
	require.NoError(t, err)

	_, ok := s.ResolvePending(token)
	require.False(t, ok)
}

func TestResolvePendingUnknownToken(t *testing.T) {
	s := New()
	_, ok := s.ResolvePending("does-not-exist")
	require.False(t, ok)
}

func TestTwoSimultaneousPendingTokensForSameGateway(t *testing.T) {
	s := New()
	t1, err := s.CreatePending("gw-A", time.Minute)
	require.NoError(t, err)
	t2, err := s.CreatePending("gw-A", time.Minute)
	require.NoError(t, err)
	require.NotEqual(t, t1, t2)

	gw, ok := s.ResolvePending(t1)
	require.True(t, ok)
	require.Equal(t, "gw-A", gw)

	gw, ok = s.ResolvePending(t2)
	require.True(t, ok)
	require.Equal(t, "gw-A", gw)
}

func TestBindUpsertsAndReplaces(t *testing.T) {
	s := New()
	s.Bind("user1", "gw-A")
	gw, ok := s.Lookup("user1")
	require.True(t, ok)
	require.Equal(t, "gw-A", gw)

	s.Bind("user1", "gw-B")
	gw, ok = s.Lookup("user1")
	require.True(t, ok)
	require.Equal(t, "gw-B", gw)
}

func TestLookupMissing(t *testing.T) {
	s := New()
	_, ok := s.Lookup("nobody")
	require.False(t, ok)
}

func TestUnbindAllRemovesOnlyThatGateway(t *testing.T) {
	s := New()
	s.Bind("user1", "gw-A")
	s.Bind("user2", "gw-A")
	s.Bind("user3", "gw-B")

	count := s.UnbindAll("gw-A")
	require.Equal(t, 2, count)

	_, ok := s.Lookup("user1")
	require.False(t, ok)
	_, ok = s.Lookup("user2")
	require.False(t, ok)

	gw, ok := s.Lookup("user3")
	require.True(t, ok)
	require.Equal(t, "gw-B", gw)
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := s.CreatePending("gw-A", time.Minute)
			if err != nil {
				return
			}
			s.ResolvePending(token)
		}(i)
	}
	wg.Wait()
}
