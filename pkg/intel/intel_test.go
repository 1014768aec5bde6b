package intel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-beaconsoc/pkg/models"
)

const exitList = `ExitNode 0011BD2485AD45D984EC4159C88FC066E5E3300E
Published 2025-12-04 08:51:43
LastStatus 2025-12-04 09:00:00
ExitAddress 185.220.101.1 2025-12-04 09:03:12
ExitNode 0111BA9B604669E636FFD5B503F382A4B7AD6E80
ExitAddress 2001:0db8:0000::1 2025-12-04 09:04:00
`

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time      { return c.now }
func (c *fakeClock) Add(d time.Duration) { c.now = c.now.Add(d) }

func countingFetcher(calls *int32, ips []string, fail *atomic.Bool) Fetcher {
	return func(context.Context) (map[string]struct{}, error) {
		atomic.AddInt32(calls, 1)
		if fail != nil && fail.Load() {
			return nil, fmt.Errorf("boom: %w", models.ErrExternalLookup)
		}
		set := make(map[string]struct{}, len(ips))
		for _, ip := range ips {
			set[ip] = struct{}{}
		}
		return set, nil
	}
}

func TestParseExitList(t *testing.T) {
	ips, err := ParseExitList(strings.NewReader(exitList))
	require.NoError(t, err)
	assert.Len(t, ips, 2)
	assert.Contains(t, ips, "185.220.101.1")
	assert.Contains(t, ips, "2001:db8::1")

	plain, err := ParseExitList(strings.NewReader("1.2.3.4\n\n# comment\n5.6.7.8\n"))
	require.NoError(t, err)
	assert.Len(t, plain, 2)
}

func TestTorCacheRefreshesAfterTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 12, 4, 9, 0, 0, 0, time.UTC)}
	var calls int32
	c := NewTorCache(countingFetcher(&calls, []string{"185.220.101.1"}, nil), time.Hour, time.Minute, clock.Now)
	ctx := context.Background()

	assert.True(t, c.Contains(ctx, "185.220.101.1"))
	assert.False(t, c.Contains(ctx, "8.8.8.8"))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	clock.Add(59 * time.Minute)
	c.Contains(ctx, "8.8.8.8")
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	clock.Add(time.Minute)
	c.Contains(ctx, "8.8.8.8")
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestTorCacheServesStaleOnFailure(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 12, 4, 9, 0, 0, 0, time.UTC)}
	var (
		calls int32
		fail  atomic.Bool
	)
	c := NewTorCache(countingFetcher(&calls, []string{"185.220.101.1"}, &fail), time.Hour, time.Minute, clock.Now)
	ctx := context.Background()
	require.True(t, c.Contains(ctx, "185.220.101.1"))

	fail.Store(true)
	clock.Add(2 * time.Hour)
	assert.True(t, c.Contains(ctx, "185.220.101.1"))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))

	// 退避期内不再重试
	clock.Add(30 * time.Second)
	assert.True(t, c.Contains(ctx, "185.220.101.1"))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))

	clock.Add(31 * time.Second)
	c.Contains(ctx, "185.220.101.1")
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestTorCacheFailedRefreshKeepsConcurrentSuccess(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 12, 4, 9, 0, 0, 0, time.UTC)}
	var (
		c     *TorCache
		calls int32
	)
	fresh := countingFetcher(&calls, []string{"185.220.101.1"}, nil)
	c = NewTorCache(func(ctx context.Context) (map[string]struct{}, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			// 本次拉取失败之前，另一次刷新已经成功
			c.fetch = fresh
			require.NoError(t, c.Refresh(ctx))
			return nil, fmt.Errorf("boom: %w", models.ErrExternalLookup)
		}
		return nil, errors.New("unexpected fetch")
	}, time.Hour, time.Minute, clock.Now)
	ctx := context.Background()

	err := c.Refresh(ctx)
	assert.ErrorIs(t, err, models.ErrExternalLookup)
	assert.Equal(t, 1, c.Size())
	assert.Equal(t, clock.now, c.FetchedAt())
	assert.True(t, c.Contains(ctx, "185.220.101.1"))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, exitList)
	}))
	defer srv.Close()

	ips, err := HTTPFetcher(srv.Client(), srv.URL)(context.Background())
	require.NoError(t, err)
	assert.Len(t, ips, 2)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	_, err = HTTPFetcher(bad.Client(), bad.URL)(context.Background())
	assert.ErrorIs(t, err, models.ErrExternalLookup)
}

func TestVPNHeuristic(t *testing.T) {
	v := NewVPNHeuristic(nil, nil)
	assert.True(t, v.LooksLikeVPN("AMAZON-02"))
	assert.True(t, v.LooksLikeVPN("Hetzner Online GmbH"))
	assert.True(t, v.LooksLikeVPN("NordVPN S.A."))
	assert.False(t, v.LooksLikeVPN("Telefonica de Espana"))
	assert.False(t, v.LooksLikeVPN(""))

	assert.True(t, v.HostingASN("AS16509"))
	assert.True(t, v.HostingASN("14061"))
	assert.False(t, v.HostingASN("AS3352"))
	assert.False(t, v.HostingASN(""))

	custom := NewVPNHeuristic([]string{" Mullvad "}, map[uint]string{})
	assert.True(t, custom.LooksLikeVPN("mullvad vpn ab"))
	assert.False(t, custom.LooksLikeVPN("amazon"))
}

func TestTrustedNetworks(t *testing.T) {
	tn := NewTrustedNetworks([]string{"203.0.114.7", "198.51.99.0/24", "2a00:1450::1", "bogus/99"})
	assert.Equal(t, 3, tn.Len())
	assert.True(t, tn.Contains(net.ParseIP("203.0.114.7")))
	assert.False(t, tn.Contains(net.ParseIP("203.0.114.8")))
	assert.True(t, tn.Contains(net.ParseIP("198.51.99.200")))
	assert.True(t, tn.Contains(net.ParseIP("2a00:1450::1")))
}

type stubLocator struct {
	geo *models.GeoRecord
	err error
}

func (s stubLocator) Lookup(context.Context, string) (*models.GeoRecord, error) {
	return s.geo, s.err
}

func alwaysTor() *TorCache {
	return NewTorCache(func(context.Context) (map[string]struct{}, error) {
		return map[string]struct{}{"10.0.0.1": {}, "127.0.0.1": {}, "185.220.101.1": {}}, nil
	}, time.Hour, time.Minute, nil)
}

func TestAnalyzePrivateShortCircuit(t *testing.T) {
	a := NewAnalyzer(alwaysTor(), nil, stubLocator{geo: &models.GeoRecord{ISP: "Amazon"}}, NewTrustedNetworks([]string{"81.0.0.0/8"}), 0)
	for _, ip := range []string{"10.0.0.1", "127.0.0.1", "192.168.1.20", "172.16.5.4", "::1", "fe80::1", "169.254.1.1", "0.0.0.0", "224.0.0.1", "not-an-ip", "", "81.2.3.4"} {
		res := a.Analyze(context.Background(), ip)
		assert.False(t, res.Tor, ip)
		assert.False(t, res.VPN, ip)
		assert.Equal(t, models.ScopePrivate, res.Scope, ip)
		assert.Empty(t, res.ASN, ip)
	}
}

func TestAnalyzePublicAddress(t *testing.T) {
	a := NewAnalyzer(alwaysTor(), nil, stubLocator{geo: &models.GeoRecord{ISP: "Hetzner Online GmbH", ASN: "AS24940", CountryCode: "DE"}}, nil, 0)
	res := a.Analyze(context.Background(), "185.220.101.1")
	assert.Equal(t, models.ScopePublic, res.Scope)
	assert.True(t, res.Tor)
	assert.True(t, res.VPN)
	assert.Equal(t, "AS24940", res.ASN)
	assert.Equal(t, "Hetzner Online GmbH", res.Org)
	require.NotNil(t, res.Geo)
	assert.Equal(t, "DE", res.Geo.CountryCode)
}

func TestAnalyzeGeoFailureDegrades(t *testing.T) {
	a := NewAnalyzer(nil, nil, stubLocator{err: errors.New("db closed")}, nil, 0)
	res := a.Analyze(context.Background(), "8.8.8.8")
	assert.Equal(t, models.ScopePublic, res.Scope)
	assert.False(t, res.Tor)
	assert.False(t, res.VPN)
	assert.Empty(t, res.ASN)
	assert.Empty(t, res.Org)
	assert.Nil(t, res.Geo)
}
