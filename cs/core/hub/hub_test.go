package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"clashstats/cs/db/dao"
	"clashstats/cs/model"

	"github.com/coder/quartz"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type fakeBackends struct {
	mu     sync.Mutex
	all    map[int64]*model.Backend
	active int64
}

func (f *fakeBackends) Get(_ context.Context, id int64) (*model.Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.all[id]; ok {
		return b, nil
	}
	return nil, dao.ErrBackendNotFound
}

func (f *fakeBackends) Active(ctx context.Context) (*model.Backend, error) {
	f.mu.Lock()
	id := f.active
	f.mu.Unlock()
	return f.Get(ctx, id)
}

type fakeStats struct{}

func (fakeStats) StatsSummary(_ context.Context, b *model.Backend) (*model.StatsSummary, error) {
	return &model.StatsSummary{BackendId: b.Id, BackendName: b.Name, TotalUpload: 10 * b.Id}, nil
}

type frame struct {
	Type      string              `json:"type"`
	BackendID int64               `json:"backendId"`
	Data      *model.StatsSummary `json:"data"`
	Error     string              `json:"error"`
	Timestamp string              `json:"timestamp"`
}

func newHub(t *testing.T, active int64) (*Hub, *fakeBackends, string) {
	t.Helper()
	backends := &fakeBackends{
		all: map[int64]*model.Backend{
			1: {Id: 1, Name: "home"},
			2: {Id: 2, Name: "office"},
		},
		active: active,
	}
	h := New(backends, fakeStats{}, quartz.NewMock(t), time.Second)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, backends, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	require.NotEmpty(t, f.Timestamp)
	return f
}

func send(t *testing.T, conn *websocket.Conn, m Message) {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestSubscriberGetsActiveStatsOnConnect(t *testing.T) {
	_, _, url := newHub(t, 1)
	conn := dial(t, url)

	f := readFrame(t, conn)
	require.Equal(t, TypeStats, f.Type)
	require.Equal(t, int64(1), f.BackendID)
	require.NotNil(t, f.Data)
	require.Equal(t, "home", f.Data.BackendName)
	require.Empty(t, f.Error)
}

func TestPingAndSubscribe(t *testing.T) {
	h, _, url := newHub(t, 1)
	conn := dial(t, url)
	readFrame(t, conn)

	send(t, conn, Message{Type: TypePing})
	require.Equal(t, TypePong, readFrame(t, conn).Type)

	send(t, conn, Message{Type: TypeSubscribe, BackendID: 2})
	f := readFrame(t, conn)
	require.Equal(t, TypeStats, f.Type)
	require.Equal(t, int64(2), f.Data.BackendId)
	require.Equal(t, int64(20), f.Data.TotalUpload)

	// unknown backend keeps the current binding and answers nothing
	send(t, conn, Message{Type: TypeSubscribe, BackendID: 99})
	send(t, conn, Message{Type: TypePing})
	require.Equal(t, TypePong, readFrame(t, conn).Type)

	// so does a subscribe naming no backend at all
	send(t, conn, Message{Type: TypeSubscribe})
	send(t, conn, Message{Type: TypePing})
	require.Equal(t, TypePong, readFrame(t, conn).Type)

	require.True(t, h.Broadcast(true))
	require.Equal(t, int64(2), readFrame(t, conn).BackendID)
}

func TestBroadcastResolvesBindingLate(t *testing.T) {
	h, backends, url := newHub(t, 1)
	follower := dial(t, url)
	pinned := dial(t, url)
	readFrame(t, follower)
	readFrame(t, pinned)

	send(t, pinned, Message{Type: TypeSubscribe, BackendID: 1})
	require.Equal(t, int64(1), readFrame(t, pinned).BackendID)
	require.Eventually(t, func() bool { return h.Len() == 2 }, 5*time.Second, 10*time.Millisecond)

	backends.mu.Lock()
	backends.active = 2
	backends.mu.Unlock()

	require.True(t, h.Broadcast(true))
	require.Equal(t, int64(2), readFrame(t, follower).BackendID)
	require.Equal(t, int64(1), readFrame(t, pinned).BackendID)

	// the pinned backend disappears
	backends.mu.Lock()
	delete(backends.all, 1)
	backends.mu.Unlock()
	require.True(t, h.Broadcast(true))
	require.Equal(t, ErrNoBackend, readFrame(t, pinned).Error)
	require.Equal(t, int64(2), readFrame(t, follower).BackendID)
}

func TestBroadcastIsThrottled(t *testing.T) {
	h, _, _ := newHub(t, 1)
	require.True(t, h.Broadcast(false))
	require.False(t, h.Broadcast(false))
	require.True(t, h.Broadcast(true))
}

func TestNoBackendAvailable(t *testing.T) {
	_, _, url := newHub(t, 0)
	conn := dial(t, url)

	f := readFrame(t, conn)
	require.Equal(t, TypeStats, f.Type)
	require.Equal(t, ErrNoBackend, f.Error)
	require.Nil(t, f.Data)
}

func TestClosedSubscriberIsRemoved(t *testing.T) {
	h, _, url := newHub(t, 1)
	conn := dial(t, url)
	readFrame(t, conn)
	require.Equal(t, 1, h.Len())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}
