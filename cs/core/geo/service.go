package geo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	"clashstats/cs/common/logx"
	"clashstats/cs/model"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var geoLog = logx.New(logx.WithPrefix("geo"))

var (
	// ErrUnknownIP is returned for addresses that cannot have a public location.
	ErrUnknownIP = errors.New("ip has no public location")
	// ErrNotFound is returned when the provider has no answer for a public address.
	ErrNotFound = errors.New("ip location not found")
)

// Provider resolves one address remotely.
type Provider interface {
	Query(ctx context.Context, ip string) (*model.GeoInfo, error)
}

// Cache persists resolved addresses; see dao.GeoCacheDao.
type Cache interface {
	Get(ctx context.Context, ip string, maxAge time.Duration) (*model.GeoInfo, error)
	Put(ctx context.Context, g *model.GeoInfo) error
}

// IPAPI queries an ip-api.com compatible JSON endpoint.
type IPAPI struct {
	BaseURL string
	Client  *http.Client
}

type ipAPIResp struct {
	Status        string `json:"status"`
	Message       string `json:"message"`
	Country       string `json:"country"`
	CountryCode   string `json:"countryCode"`
	Continent     string `json:"continent"`
	ContinentCode string `json:"continentCode"`
	City          string `json:"city"`
	AS            string `json:"as"`
	ASName        string `json:"asname"`
	Query         string `json:"query"`
}

const ipAPIFields = "status,message,country,countryCode,continent,continentCode,city,as,asname,query"

func (p *IPAPI) Query(ctx context.Context, ip string) (*model.GeoInfo, error) {
	base := p.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	u := base + url.PathEscape(ip) + "?fields=" + ipAPIFields
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo provider status %d", resp.StatusCode)
	}
	var r ipAPIResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode geo response: %w", err)
	}
	if r.Status != "success" || r.CountryCode == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, r.Message)
	}
	asn, _, _ := strings.Cut(r.AS, " ")
	return &model.GeoInfo{
		IP:          ip,
		Country:     r.CountryCode,
		CountryName: r.Country,
		City:        r.City,
		Continent:   r.ContinentCode,
		ASN:         asn,
		ASName:      r.ASName,
	}, nil
}

type memEntry struct {
	info *model.GeoInfo // nil caches a miss
	exp  time.Time
}

type Options struct {
	TTL           time.Duration // persisted and in-memory lifetime of a lookup
	MissTTL       time.Duration
	RatePerMinute int
}

// Service answers lookups from memory, then the persistent cache, then the provider.
type Service struct {
	provider Provider
	cache    Cache
	limiter  *rate.Limiter
	ttl      time.Duration
	missTTL  time.Duration
	sf       singleflight.Group

	mu  sync.Mutex
	mem map[string]memEntry
	now func() time.Time
}

func NewService(p Provider, cache Cache, opt Options) *Service {
	if opt.TTL <= 0 {
		opt.TTL = 7 * 24 * time.Hour
	}
	if opt.MissTTL <= 0 {
		opt.MissTTL = 10 * time.Minute
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if opt.RatePerMinute > 0 {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opt.RatePerMinute)), 1)
	}
	return &Service{
		provider: p,
		cache:    cache,
		limiter:  lim,
		ttl:      opt.TTL,
		missTTL:  opt.MissTTL,
		mem:      make(map[string]memEntry),
		now:      time.Now,
	}
}

// Routable reports whether ip may carry a public location.
func Routable(ip string) (netip.Addr, bool) {
	a, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return netip.Addr{}, false
	}
	a = a.Unmap()
	if a.IsPrivate() || a.IsLoopback() || a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast() ||
		a.IsMulticast() || a.IsUnspecified() || a.IsInterfaceLocalMulticast() {
		return a, false
	}
	// carrier-grade NAT and the fake-ip range proxies hand out
	if a.Is4() {
		b := a.As4()
		if b[0] == 100 && b[1]&0xc0 == 64 || b[0] == 198 && b[1]&0xfe == 18 {
			return a, false
		}
	}
	return a, true
}

func (s *Service) Lookup(ctx context.Context, ip string) (*model.GeoInfo, error) {
	addr, ok := Routable(ip)
	if !ok {
		return nil, ErrUnknownIP
	}
	key := addr.String()
	if info, hit, err := s.fromMemory(key); hit {
		return info, err
	}
	v, err, _ := s.sf.Do(key, func() (any, error) {
		return s.resolve(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.GeoInfo), nil
}

func (s *Service) fromMemory(key string) (*model.GeoInfo, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.mem[key]
	if !ok {
		return nil, false, nil
	}
	if s.now().After(e.exp) {
		delete(s.mem, key)
		return nil, false, nil
	}
	if e.info == nil {
		return nil, true, ErrNotFound
	}
	return e.info, true, nil
}

func (s *Service) remember(key string, info *model.GeoInfo, ttl time.Duration) {
	s.mu.Lock()
	s.mem[key] = memEntry{info: info, exp: s.now().Add(ttl)}
	s.mu.Unlock()
}

// Prune drops every in-memory entry past its expiry and reports how many went.
func (s *Service) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, e := range s.mem {
		if now.After(e.exp) {
			delete(s.mem, k)
			n++
		}
	}
	return n
}

// Len is the number of in-memory entries, expired ones included.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mem)
}

func (s *Service) resolve(ctx context.Context, key string) (*model.GeoInfo, error) {
	if s.cache != nil {
		info, err := s.cache.Get(ctx, key, s.ttl)
		if err != nil {
			geoLog.Warnf("cache read %s: %v", key, err)
		} else if info != nil {
			s.remember(key, info, s.ttl)
			return info, nil
		}
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	info, err := s.provider.Query(ctx, key)
	if errors.Is(err, ErrNotFound) {
		s.remember(key, nil, s.missTTL)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	s.remember(key, info, s.ttl)
	if s.cache != nil {
		if err := s.cache.Put(ctx, info); err != nil {
			geoLog.Warnf("cache write %s: %v", key, err)
		}
	}
	geoLog.Debugf("resolved %s -> %s (%s)", key, info.Country, info.ASN)
	return info, nil
}
