package geo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clashstats/cs/db/dao"
	"clashstats/cs/db/dbtest"
	"clashstats/cs/model"

	"github.com/stretchr/testify/require"
)

func ipAPIServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		ip := strings.TrimPrefix(r.URL.Path, "/json/")
		if !strings.Contains(r.URL.RawQuery, "fields=") {
			http.Error(w, "fields missing", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if ip == "203.0.113.9" {
			_, _ = w.Write([]byte(`{"status":"fail","message":"reserved range","query":"203.0.113.9"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"success","country":"United States","countryCode":"US",
			"continent":"North America","continentCode":"NA","city":"Mountain View",
			"as":"AS15169 Google LLC","asname":"GOOGLE","query":"` + ip + `"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestIPAPIQuery(t *testing.T) {
	var hits atomic.Int64
	srv := ipAPIServer(t, &hits)
	p := &IPAPI{BaseURL: srv.URL + "/json/"}

	g, err := p.Query(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	require.Equal(t, "US", g.Country)
	require.Equal(t, "United States", g.CountryName)
	require.Equal(t, "NA", g.Continent)
	require.Equal(t, "AS15169", g.ASN)
	require.Equal(t, "GOOGLE", g.ASName)

	_, err = p.Query(context.Background(), "203.0.113.9")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRoutable(t *testing.T) {
	for ip, want := range map[string]bool{
		"8.8.8.8":         true,
		"2001:4860::8888": true,
		"10.1.2.3":        false,
		"192.168.1.1":     false,
		"127.0.0.1":       false,
		"198.18.0.5":      false,
		"100.64.1.1":      false,
		"::1":             false,
		"fe80::1":         false,
		"not-an-ip":       false,
		"":                false,
	} {
		_, got := Routable(ip)
		require.Equal(t, want, got, ip)
	}
}

func TestServiceCachesAndDeduplicates(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int64
	srv := ipAPIServer(t, &hits)
	cache := dao.NewGeoCacheDao(dbtest.Open(t).GormDataSource)
	svc := NewService(&IPAPI{BaseURL: srv.URL + "/json/"}, cache, Options{})

	var wg sync.WaitGroup
	countries := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g, err := svc.Lookup(ctx, "8.8.8.8"); err == nil {
				countries <- g.Country
			}
		}()
	}
	wg.Wait()
	close(countries)
	n := 0
	for c := range countries {
		require.Equal(t, "US", c)
		n++
	}
	require.Equal(t, 10, n)
	require.Equal(t, int64(1), hits.Load())

	// a fresh service still answers from the persistent cache
	svc2 := NewService(&IPAPI{BaseURL: srv.URL + "/json/"}, cache, Options{})
	g, err := svc2.Lookup(ctx, "8.8.8.8")
	require.NoError(t, err)
	require.Equal(t, "Mountain View", g.City)
	require.Equal(t, int64(1), hits.Load())
}

func TestServiceRejectsPrivateAndCachesMisses(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int64
	srv := ipAPIServer(t, &hits)
	svc := NewService(&IPAPI{BaseURL: srv.URL + "/json/"}, nil, Options{MissTTL: time.Minute})

	_, err := svc.Lookup(ctx, "192.168.1.10")
	require.ErrorIs(t, err, ErrUnknownIP)
	require.Zero(t, hits.Load())

	for i := 0; i < 3; i++ {
		_, err = svc.Lookup(ctx, "203.0.113.9")
		require.ErrorIs(t, err, ErrNotFound)
	}
	require.Equal(t, int64(1), hits.Load())

	now := time.Now()
	svc.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = svc.Lookup(ctx, "203.0.113.9")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, int64(2), hits.Load())
}

type everywhereUS struct{}

func (everywhereUS) Query(_ context.Context, ip string) (*model.GeoInfo, error) {
	return &model.GeoInfo{IP: ip, Country: "US"}, nil
}

func publicIP(i int) string {
	return netip.AddrFrom4([4]byte{8, byte(i >> 16), byte(i >> 8), byte(i)}).String()
}

func TestPruneShedsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	svc := NewService(everywhereUS{}, nil, Options{TTL: time.Minute})
	now := time.Now()
	svc.now = func() time.Time { return now }

	for i := 0; i < 2000; i++ {
		_, err := svc.Lookup(ctx, publicIP(i))
		require.NoError(t, err)
	}
	require.Equal(t, 2000, svc.Len())
	require.Zero(t, svc.Prune())

	now = now.Add(24 * time.Hour)
	for i := 2000; i < 4000; i++ {
		_, err := svc.Lookup(ctx, publicIP(i))
		require.NoError(t, err)
	}
	require.Equal(t, 4000, svc.Len())

	require.Equal(t, 2000, svc.Prune())
	require.Equal(t, 2000, svc.Len())
	g, err := svc.Lookup(ctx, publicIP(3999))
	require.NoError(t, err)
	require.Equal(t, "US", g.Country)
}
