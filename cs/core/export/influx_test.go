package export

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"clashstats/cs/common/config"
	"clashstats/cs/model"

	"github.com/stretchr/testify/require"
)

func TestDeltaPoint(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	p := deltaPoint(3, model.TrafficDelta{Domain: "x.com", Chains: []string{"ProxyA", "RuleB"}, Upload: 1, Download: 2, At: at})
	require.Equal(t, MeasurementTraffic, p.Name())
	tags := map[string]string{}
	for _, tg := range p.TagList() {
		tags[tg.Key] = tg.Value
	}
	require.Equal(t, map[string]string{"backend": "3", "proxy": "ProxyA", "rule": "RuleB", "domain": "x.com"}, tags)
	require.Equal(t, at, p.Time())
}

func TestInfluxWritesOnClose(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
		auth  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/write" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		auth = r.Header.Get("Authorization")
		lines = append(lines, strings.Split(strings.TrimSpace(string(body)), "\n")...)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	x := NewInflux(config.InfluxDB2Config{BaseURL: srv.URL, Token: "tkn", Org: "home", Bucket: "traffic"})
	x.OnDelta(1, model.TrafficDelta{Domain: "x.com", Chains: []string{"ProxyA", "RuleB"}, Upload: 10, Download: 20, At: time.Now()})
	x.OnCountry(1, &model.GeoInfo{Country: "JP", Continent: "AS"}, 3, 4)
	x.OnCountry(1, nil, 3, 4)
	x.Close()
	x.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "Token tkn", auth)
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "traffic,backend=1,domain=x.com,proxy=ProxyA,rule=RuleB "), lines[0])
	require.Contains(t, lines[0], "upload=10i")
	require.True(t, strings.HasPrefix(lines[1], "country_traffic,backend=1,continent=AS,country=JP "), lines[1])
}
