package room

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"listen-room/internal/api"
	"listen-room/internal/chat"
	"listen-room/internal/config"
	"listen-room/internal/identity"
	"listen-room/internal/models"
	"listen-room/internal/services"
	"listen-room/internal/websocket"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

// serverConn is the backend side of one channel connection.
type serverConn struct {
	conn   *gorilla.Conn
	path   string
	frames chan *websocket.Frame

	mu        sync.Mutex
	closeCode int
}

func (c *serverConn) readLoop() {
	defer close(c.frames)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.closeCode = websocket.CloseCode(err)
			c.mu.Unlock()
			return
		}
		frame, err := websocket.ParseFrame(data)
		if err != nil {
			continue
		}
		c.frames <- frame
	}
}

func (c *serverConn) write(t *testing.T, payload string) {
	t.Helper()
	require.NoError(t, c.conn.WriteMessage(gorilla.TextMessage, []byte(payload)))
}

// expect waits for the next frame of the given type, skipping others.
func (c *serverConn) expect(t *testing.T, ft websocket.FrameType) *websocket.Frame {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				t.Fatalf("connection closed while waiting for %s", ft)
			}
			if f.Type == ft {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", ft)
		}
	}
}

func (c *serverConn) getCloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

type fakeBackend struct {
	mu          sync.Mutex
	created     *models.CreateRoomRequest
	chatGets    int
	queueGets   int
	roomMissing bool

	conns chan *serverConn
}

func (b *fakeBackend) counts() (queueGets, chatGets int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queueGets, b.chatGets
}

func newFakeBackend(t *testing.T) (*fakeBackend, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	b := &fakeBackend{roomMissing: true, conns: make(chan *serverConn, 8)}

	r := gin.New()
	r.GET("/api/rooms/:code", func(c *gin.Context) {
		b.mu.Lock()
		missing := b.roomMissing
		b.mu.Unlock()
		if missing {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Room not found"})
			return
		}
		c.JSON(http.StatusOK, models.Room{ID: 7, Name: "Existing", RoomCode: c.Param("code")})
	})
	r.POST("/api/rooms/", func(c *gin.Context) {
		var req models.CreateRoomRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		b.mu.Lock()
		b.created = &req
		b.roomMissing = false
		b.mu.Unlock()
		c.JSON(http.StatusOK, models.Room{ID: 7, Name: req.Name, RoomCode: req.RoomCode})
	})
	r.GET("/api/queue/room/:id", func(c *gin.Context) {
		b.mu.Lock()
		b.queueGets++
		b.mu.Unlock()
		c.JSON(http.StatusOK, []models.QueueItem{
			{ID: 1, RoomID: 7, MusicID: 10, Position: 1, Music: &models.Track{ID: 10, Title: "First"}},
			{ID: 2, RoomID: 7, MusicID: 11, Position: 2, Music: &models.Track{ID: 11, Title: "Second"}},
		})
	})
	r.GET("/api/chat/room/:id", func(c *gin.Context) {
		b.mu.Lock()
		b.chatGets++
		b.mu.Unlock()
		c.JSON(http.StatusOK, []models.ChatMessage{
			{ID: 1, RoomID: 7, UserID: 2, Username: "bob", Message: "welcome"},
		})
	})

	upgrader := gorilla.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/rooms/ws/", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		sc := &serverConn{conn: conn, path: req.URL.Path, frames: make(chan *websocket.Frame, 64)}
		go sc.readLoop()
		b.conns <- sc
	})
	mux.Handle("/", r)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return b, srv
}

func (b *fakeBackend) nextConn(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-b.conns:
		return sc
	case <-time.After(waitFor):
		t.Fatal("no channel connection arrived")
		return nil
	}
}

func joinTestRoom(t *testing.T, code string) (*Session, *fakeBackend, *serverConn, *clock.Mock) {
	t.Helper()
	backend, srv := newFakeBackend(t)

	cfg := config.Default()
	cfg.API.URL = srv.URL
	user := identity.Static{User: &models.User{ID: 1, Username: "alice"}}
	mock := clock.NewMock()

	s, err := Join(context.Background(), cfg, api.NewClient(srv.URL, 2*time.Second), user, code, Options{Clock: mock})
	require.NoError(t, err)
	t.Cleanup(s.Leave)

	return s, backend, backend.nextConn(t), mock
}

func TestJoinCreatesMissingRoom(t *testing.T) {
	s, backend, sc, mock := joinTestRoom(t, "ABCD")

	backend.mu.Lock()
	created := backend.created
	backend.mu.Unlock()
	require.NotNil(t, created)
	assert.Equal(t, "Room ABCD", created.Name)
	assert.Equal(t, "ABCD", created.RoomCode)

	assert.Equal(t, "/api/rooms/ws/ABCD/1", sc.path)
	assert.Equal(t, websocket.StateConnected, s.State())
	assert.Equal(t, int64(7), s.Room().ID)

	// queue and chat history are loaded on join
	assert.Len(t, s.Queue().Items(), 2)
	assert.Equal(t, 0, s.Queue().CurrentIndex())
	entries := s.Chat().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "welcome", entries[0].Text)

	req := sc.expect(t, websocket.FrameRequestPlaybackState)
	assert.Equal(t, s.ClientID(), req.ClientID)

	mock.Add(30 * time.Second)
	ping := sc.expect(t, websocket.FramePing)
	assert.Equal(t, s.ClientID(), ping.ClientID)
	assert.Equal(t, 1, s.Metrics().Connects)
}

func TestJoinExistingRoom(t *testing.T) {
	backend, srv := newFakeBackend(t)
	backend.roomMissing = false

	cfg := config.Default()
	cfg.API.URL = srv.URL
	s, err := Join(context.Background(), cfg, api.NewClient(srv.URL, 2*time.Second),
		identity.Static{User: &models.User{ID: 1}}, "  WXYZ ", Options{Clock: clock.NewMock()})
	require.NoError(t, err)
	defer s.Leave()

	assert.Nil(t, backend.created)
	assert.Equal(t, "Existing", s.Room().Name)
	assert.Equal(t, "/api/rooms/ws/WXYZ/1", backend.nextConn(t).path)
}

func TestJoinRejectsEmptyCode(t *testing.T) {
	_, err := Join(context.Background(), config.Default(), nil, identity.Static{}, "   ", Options{})
	assert.ErrorIs(t, err, ErrEmptyRoomCode)
}

func TestSessionReconnectsAndResyncs(t *testing.T) {
	s, backend, first, mock := joinTestRoom(t, "ABCD")
	first.expect(t, websocket.FrameRequestPlaybackState)

	var mu sync.Mutex
	var events []websocket.EventType
	s.SubscribeStatus(func(ev websocket.Event) {
		mu.Lock()
		events = append(events, ev.Type)
		mu.Unlock()
	})

	// drop the link without a close frame
	require.NoError(t, first.conn.Close())
	require.Eventually(t, func() bool { return s.State() == websocket.StateReconnecting }, waitFor, tick)

	mock.Add(2 * time.Second)
	second := backend.nextConn(t)

	second.expect(t, websocket.FrameRequestPlaybackState)
	second.expect(t, websocket.FrameRequestQueue)
	require.Eventually(t, func() bool {
		queueGets, chatGets := backend.counts()
		return queueGets == 2 && chatGets == 2
	}, waitFor, tick)
	assert.Equal(t, websocket.StateConnected, s.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, events, websocket.EventReconnecting)
	assert.Contains(t, events, websocket.EventReconnected)
}

func TestSessionRoutesInboundFrames(t *testing.T) {
	s, _, sc, _ := joinTestRoom(t, "ABCD")

	var mu sync.Mutex
	var seen []Presence
	s.SubscribePresence(func(p Presence) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	})

	sc.write(t, `{"type":"user_joined","user_id":2,"users_count":2}`)
	sc.write(t, `{"type":"chat_message","message":{"id":9,"user_id":2,"username":"bob","message":"hi alice"}}`)
	sc.write(t, `{"type":"queue_change","client_id":"peer","current_track_id":11}`)

	require.Eventually(t, func() bool { return s.Queue().CurrentIndex() == 1 }, waitFor, tick)
	assert.Equal(t, 2, s.UsersCount())

	entries := s.Chat().Entries()
	require.Len(t, entries, 3)
	assert.True(t, entries[1].System)
	assert.Contains(t, entries[1].Text, "joined")
	assert.Equal(t, "hi alice", entries[2].Text)
	assert.Equal(t, chat.Color("bob"), entries[2].Color)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, Presence{Joined: true, UserID: 2, UsersCount: 2}, seen[0])
}

func TestSessionNavigationStartsPlayback(t *testing.T) {
	s, _, sc, _ := joinTestRoom(t, "ABCD")

	ok, err := s.Next()
	require.NoError(t, err)
	assert.True(t, ok)

	change := sc.expect(t, websocket.FrameQueueChange)
	require.NotNil(t, change.CurrentTrackID)
	assert.Equal(t, int64(11), *change.CurrentTrackID)

	track := sc.expect(t, websocket.FrameTrackChange)
	require.NotNil(t, track.Track)
	assert.Equal(t, int64(11), track.Track.ID)
	assert.Equal(t, "Second", s.Playback().State().Track.Title)

	ok, err = s.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLeaveClosesNormally(t *testing.T) {
	s, _, sc, _ := joinTestRoom(t, "ABCD")

	s.Leave()
	s.Leave()

	assert.Equal(t, websocket.StateDisconnected, s.State())
	assert.Empty(t, s.Chat().Entries())
	assert.Empty(t, s.Queue().Items())
	require.Eventually(t, func() bool { return sc.getCloseCode() == gorilla.CloseNormalClosure }, waitFor, tick)
	assert.Error(t, s.Playback().Play(0))
}

func TestMirrorReceivesEvents(t *testing.T) {
	_, srv := newFakeBackend(t)

	mirror := &recordingMirror{}
	cfg := config.Default()
	cfg.API.URL = srv.URL
	s, err := Join(context.Background(), cfg, api.NewClient(srv.URL, 2*time.Second),
		identity.Static{User: &models.User{ID: 1}}, "ABCD", Options{Clock: clock.NewMock(), Mirror: mirror})
	require.NoError(t, err)
	defer s.Leave()

	require.Eventually(t, func() bool { return mirror.has("queue") && mirror.has("chat") }, waitFor, tick)
	events := mirror.all()
	assert.Equal(t, "ABCD", events[0].RoomCode)
	assert.Equal(t, s.ClientID(), events[0].ClientID)
}

type recordingMirror struct {
	mu     sync.Mutex
	events []mirrorRecord
}

type mirrorRecord struct {
	Type     string
	RoomCode string
	ClientID string
}

func (m *recordingMirror) Publish(_ context.Context, ev services.MirrorEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, mirrorRecord{Type: ev.Type, RoomCode: ev.RoomCode, ClientID: ev.ClientID})
	return nil
}

func (m *recordingMirror) has(eventType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

func (m *recordingMirror) all() []mirrorRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mirrorRecord(nil), m.events...)
}
