package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"clashstats/cs/common/logx"

	"github.com/coder/quartz"
	"github.com/gorilla/websocket"
)

var feedLog = logx.New(logx.WithPrefix("collector.feed"))

const DefaultReconnectInterval = 5 * time.Second

var ErrFeedClosed = errors.New("feed disconnected")

// Handler receives everything a Feed observes. Calls arrive on the feed's read goroutine.
type Handler interface {
	HandleSnapshot(s *Snapshot)
	HandleTransportError(err error)
}

// TransportError wraps dial, read and close failures of one backend session.
type TransportError struct {
	BackendID int64
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("backend %d transport: %v", e.BackendID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type wsConn interface {
	ReadMessage() (int, []byte, error)
	Close() error
}

type dialFunc func(ctx context.Context, endpoint string, h http.Header) (wsConn, error)

var dialer = &websocket.Dialer{
	Proxy:            http.ProxyFromEnvironment,
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   64 << 10,
}

func dialWebsocket(ctx context.Context, endpoint string, h http.Header) (wsConn, error) {
	c, resp, err := dialer.DialContext(ctx, endpoint, h)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return c, nil
}

// Feed keeps one streaming session to a backend's connections endpoint alive.
type Feed struct {
	backendID int64
	endpoint  string
	token     string
	h         Handler
	clock     quartz.Clock
	interval  time.Duration
	dial      dialFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	conn    wsConn
	timer   *quartz.Timer
	started bool
	closing bool
}

type FeedOption func(*Feed)

func WithClock(c quartz.Clock) FeedOption { return func(f *Feed) { f.clock = c } }

func WithReconnectInterval(d time.Duration) FeedOption {
	return func(f *Feed) {
		if d > 0 {
			f.interval = d
		}
	}
}

func withDialer(d dialFunc) FeedOption { return func(f *Feed) { f.dial = d } }

// NewFeed prepares a feed; endpoint must already point at the connections stream.
func NewFeed(backendID int64, endpoint, token string, h Handler, opts ...FeedOption) *Feed {
	f := &Feed{
		backendID: backendID,
		endpoint:  endpoint,
		token:     token,
		h:         h,
		clock:     quartz.NewReal(),
		interval:  DefaultReconnectInterval,
		dial:      dialWebsocket,
	}
	for _, o := range opts {
		o(f)
	}
	f.ctx, f.cancel = context.WithCancel(context.Background())
	return f
}

// ConnectionsURL turns a controller base URL into its websocket connections endpoint.
func ConnectionsURL(base string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", errors.New("empty backend url")
	}
	if !strings.Contains(base, "://") {
		base = "ws://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", base)
	}
	p := strings.TrimRight(u.Path, "/")
	if !strings.HasSuffix(p, "/connections") {
		p += "/connections"
	}
	u.Path = p
	return u.String(), nil
}

func (f *Feed) header() http.Header {
	h := http.Header{}
	origin := f.endpoint
	if i := strings.Index(origin, "://"); i > 0 {
		scheme := strings.Replace(strings.Replace(origin[:i], "wss", "https", 1), "ws", "http", 1)
		rest := origin[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			rest = rest[:j]
		}
		origin = scheme + "://" + rest
	}
	h.Set("Origin", origin)
	if f.token != "" {
		h.Set("Authorization", "Bearer "+f.token)
	}
	return h
}

// Connect starts the session in the background. Calling it twice is a no-op.
func (f *Feed) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closing {
		return ErrFeedClosed
	}
	if f.started {
		return nil
	}
	f.started = true
	f.wg.Add(1)
	go f.session()
	return nil
}

// Disconnect stops the session for good. It must not be called from a Handler callback.
func (f *Feed) Disconnect() {
	f.mu.Lock()
	if f.closing {
		f.mu.Unlock()
		return
	}
	f.closing = true
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()

	f.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	f.wg.Wait()
	feedLog.Infof("backend=%d disconnected", f.backendID)
}

func (f *Feed) isClosing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closing
}

func (f *Feed) session() {
	defer f.wg.Done()
	conn, err := f.dial(f.ctx, f.endpoint, f.header())
	if err != nil {
		f.fail(err)
		return
	}
	f.mu.Lock()
	if f.closing {
		f.mu.Unlock()
		_ = conn.Close()
		return
	}
	f.conn = conn
	f.mu.Unlock()
	feedLog.Infof("backend=%d connected to %s", f.backendID, f.endpoint)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			f.mu.Lock()
			if f.conn == conn {
				f.conn = nil
			}
			f.mu.Unlock()
			_ = conn.Close()
			f.fail(err)
			return
		}
		f.dispatch(data)
	}
}

func (f *Feed) dispatch(data []byte) {
	snap, err := ParseSnapshot(data)
	switch {
	case errors.Is(err, ErrKeepalive):
		feedLog.Tracef("backend=%d keepalive", f.backendID)
	case err != nil:
		feedLog.Warnf("backend=%d dropped message: %v", f.backendID, err)
	default:
		snap.ReceivedAt = f.clock.Now()
		f.h.HandleSnapshot(snap)
	}
}

func (f *Feed) fail(err error) {
	if f.isClosing() {
		return
	}
	f.h.HandleTransportError(&TransportError{BackendID: f.backendID, Err: err})
	f.scheduleReconnect()
}

// scheduleReconnect arms at most one pending reconnection.
func (f *Feed) scheduleReconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closing || f.timer != nil {
		return
	}
	feedLog.Infof("backend=%d reconnecting in %s", f.backendID, f.interval)
	f.timer = f.clock.AfterFunc(f.interval, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.timer = nil
		if f.closing {
			return
		}
		f.wg.Add(1)
		go f.session()
	}, "feed", "reconnect")
}

// Reconnecting reports whether a reconnection timer is armed.
func (f *Feed) Reconnecting() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timer != nil
}
