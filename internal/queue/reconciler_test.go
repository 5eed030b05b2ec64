package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"listen-room/internal/api"
	"listen-room/internal/models"
	"listen-room/internal/websocket"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu        sync.Mutex
	items     []models.QueueItem
	nextID    int64
	addErr    error
	deleteErr error
	moveErr   error
	lists     int
	addGate   chan struct{}
}

func (f *fakeAPI) ListQueue(_ context.Context, roomID int64) ([]models.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	return append([]models.QueueItem(nil), f.items...), nil
}

func (f *fakeAPI) AddQueueItem(_ context.Context, req models.CreateQueueItemRequest) (*models.QueueItem, error) {
	if f.addGate != nil {
		<-f.addGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return nil, f.addErr
	}
	f.nextID++
	item := models.QueueItem{ID: 100 + f.nextID, RoomID: req.RoomID, MusicID: req.MusicID, Position: len(f.items) + 1}
	f.items = append(f.items, item)
	return &item, nil
}

func (f *fakeAPI) DeleteQueueItem(_ context.Context, itemID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.items = lo.Reject(f.items, func(it models.QueueItem, _ int) bool { return it.ID == itemID })
	return nil
}

func (f *fakeAPI) MoveQueueItem(_ context.Context, itemID int64, position int) (*models.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.moveErr != nil {
		return nil, f.moveErr
	}
	return &models.QueueItem{ID: itemID, Position: position}, nil
}

func (f *fakeAPI) GetTrack(_ context.Context, musicID int64) (*models.Track, error) {
	return &models.Track{ID: musicID, Title: "Track"}, nil
}

type recordingSender struct {
	mu     sync.Mutex
	frames []*websocket.Frame
}

func (s *recordingSender) Send(frame *websocket.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *recordingSender) last() *websocket.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func items(musicIDs ...int64) []models.QueueItem {
	out := make([]models.QueueItem, len(musicIDs))
	for i, id := range musicIDs {
		out[i] = models.QueueItem{ID: int64(i + 1), RoomID: 1, MusicID: id, Position: i + 1}
	}
	return out
}

func createTestReconciler(initial []models.QueueItem) (*Reconciler, *fakeAPI, *recordingSender) {
	fake := &fakeAPI{items: initial}
	sender := &recordingSender{}
	r := NewReconciler(fake, fake, sender, 1, "me", nil)
	r.SyncQueueWithRemote(initial)
	return r, fake, sender
}

func musicIDs(list []models.QueueItem) []int64 {
	return lo.Map(list, func(it models.QueueItem, _ int) int64 { return it.MusicID })
}

func TestRemoveBeforeCurrentKeepsSelection(t *testing.T) {
	r, _, _ := createTestReconciler(items(10, 20, 30))
	require.NoError(t, r.Select(1))

	require.NoError(t, r.Remove(context.Background(), 1))

	assert.Equal(t, 0, r.CurrentIndex())
	cur, ok := r.Current()
	require.True(t, ok)
	assert.EqualValues(t, 20, cur.MusicID)
}

func TestRemoveAtCurrentAdvances(t *testing.T) {
	r, _, _ := createTestReconciler(items(10, 20, 30))
	require.NoError(t, r.Select(1))

	require.NoError(t, r.Remove(context.Background(), 2))

	assert.Equal(t, 1, r.CurrentIndex())
	cur, _ := r.Current()
	assert.EqualValues(t, 30, cur.MusicID)
}

func TestRemoveLastCurrentMovesToNewLast(t *testing.T) {
	r, _, _ := createTestReconciler(items(10, 20, 30))
	require.NoError(t, r.Select(2))

	require.NoError(t, r.Remove(context.Background(), 3))

	assert.Equal(t, 1, r.CurrentIndex())
}

func TestRemoveOnlyItemEmptiesSelection(t *testing.T) {
	r, _, _ := createTestReconciler(items(10))

	require.NoError(t, r.Remove(context.Background(), 1))

	assert.Equal(t, NoSelection, r.CurrentIndex())
	assert.Empty(t, r.Items())
}

func TestRemoveIndexLaws(t *testing.T) {
	for size := 1; size <= 5; size++ {
		for current := 0; current < size; current++ {
			for removed := 0; removed < size; removed++ {
				ids := make([]int64, size)
				for i := range ids {
					ids[i] = int64(10 * (i + 1))
				}
				r, _, _ := createTestReconciler(items(ids...))
				require.NoError(t, r.Select(current))

				require.NoError(t, r.Remove(context.Background(), int64(removed+1)))

				got := r.CurrentIndex()
				remaining := len(r.Items())
				if remaining == 0 {
					assert.Equal(t, NoSelection, got)
					continue
				}
				assert.Less(t, got, remaining, "size=%d current=%d removed=%d", size, current, removed)
				assert.GreaterOrEqual(t, got, 0)
				if removed < current {
					assert.Equal(t, current-1, got, "size=%d current=%d removed=%d", size, current, removed)
				}
			}
		}
	}
}

func TestRemoveFailureReloads(t *testing.T) {
	r, fake, _ := createTestReconciler(items(10, 20, 30))
	fake.deleteErr = api.ErrUnauthorized

	err := r.Remove(context.Background(), 2)

	assert.ErrorIs(t, err, api.ErrUnauthorized)
	assert.Equal(t, []int64{10, 20, 30}, musicIDs(r.Items()))
	assert.Equal(t, 1, fake.lists)
}

func TestAddConfirmsProvisionalRow(t *testing.T) {
	r, _, sender := createTestReconciler(nil)

	var seen [][]models.QueueItem
	r.Subscribe(func(ev Event) { seen = append(seen, ev.Items) })

	created, err := r.Add(context.Background(), 42)
	require.NoError(t, err)

	require.Len(t, seen, 2)
	require.Len(t, seen[0], 1)
	assert.True(t, seen[0][0].Pending())

	list := r.Items()
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)
	assert.False(t, list[0].Pending())
	require.NotNil(t, list[0].Music)
	assert.EqualValues(t, 42, list[0].Music.ID)
	assert.Equal(t, 0, r.CurrentIndex())

	frame := sender.last()
	require.NotNil(t, frame)
	assert.Equal(t, websocket.FrameQueueSync, frame.Type)
	assert.Len(t, frame.Items, 1)
}

func TestAddFailureDropsProvisionalRow(t *testing.T) {
	r, fake, sender := createTestReconciler(items(10))
	fake.addErr = errors.New("boom")

	_, err := r.Add(context.Background(), 42)

	assert.Error(t, err)
	assert.Equal(t, []int64{10}, musicIDs(r.Items()))
	assert.Equal(t, 0, r.CurrentIndex())
	assert.Zero(t, sender.count())
}

func TestReorderAdjustsCurrent(t *testing.T) {
	r, _, _ := createTestReconciler(items(10, 20, 30, 40))
	require.NoError(t, r.Select(1))

	// Move item 1 (music 10) onto item 3's slot.
	require.NoError(t, r.Reorder(context.Background(), 1, 3))

	assert.Equal(t, []int64{20, 30, 10, 40}, musicIDs(r.Items()))
	assert.Equal(t, 0, r.CurrentIndex())
	assert.Equal(t, []int{1, 2, 3, 4}, lo.Map(r.Items(), func(it models.QueueItem, _ int) int { return it.Position }))

	// Moving the current item carries the pointer along.
	require.NoError(t, r.Reorder(context.Background(), 2, 4))
	assert.Equal(t, []int64{30, 10, 40, 20}, musicIDs(r.Items()))
	assert.Equal(t, 3, r.CurrentIndex())
}

func TestReorderFailureReloads(t *testing.T) {
	r, fake, _ := createTestReconciler(items(10, 20, 30))
	fake.moveErr = &api.Error{Kind: api.KindServer, Status: 500, Message: "nope"}

	err := r.Reorder(context.Background(), 1, 3)

	assert.Error(t, err)
	assert.Equal(t, []int64{10, 20, 30}, musicIDs(r.Items()))
	assert.Equal(t, 1, fake.lists)
}

func TestSelectBroadcastsCurrentTrack(t *testing.T) {
	r, _, sender := createTestReconciler(items(10, 20, 30))

	require.NoError(t, r.Select(2))

	frame := sender.last()
	require.NotNil(t, frame)
	assert.Equal(t, websocket.FrameQueueChange, frame.Type)
	assert.EqualValues(t, 30, *frame.CurrentTrackID)
	assert.Equal(t, 3, *frame.QueueLength)

	assert.ErrorIs(t, r.Select(3), ErrIndexOutOfRange)
}

func TestNextAndPrevious(t *testing.T) {
	r, _, _ := createTestReconciler(items(10, 20))

	ok, err := r.Previous()
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.Next()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, r.CurrentIndex())

	ok, _ = r.Next()
	assert.False(t, ok)

	require.NoError(t, r.PlayTrack(10))
	assert.Equal(t, 0, r.CurrentIndex())
	assert.ErrorIs(t, r.PlayTrack(99), ErrItemNotFound)
}

func TestSyncQueueWithRemoteKeepsCurrentTrack(t *testing.T) {
	r, _, _ := createTestReconciler(items(10, 20, 30))
	require.NoError(t, r.Select(1))

	r.SyncQueueWithRemote(items(5, 30, 20))
	assert.Equal(t, 2, r.CurrentIndex())

	r.SyncQueueWithRemote(items(7, 8))
	assert.Equal(t, 0, r.CurrentIndex())

	r.SyncQueueWithRemote(nil)
	assert.Equal(t, NoSelection, r.CurrentIndex())
}

func TestSyncCurrentTrack(t *testing.T) {
	r, _, _ := createTestReconciler(items(10, 20, 30))
	events := 0
	r.Subscribe(func(Event) { events++ })

	r.SyncCurrentTrack(30)
	assert.Equal(t, 2, r.CurrentIndex())
	assert.Equal(t, []int64{10, 20, 30}, musicIDs(r.Items()))

	r.SyncCurrentTrack(30)
	r.SyncCurrentTrack(99)
	assert.Equal(t, 2, r.CurrentIndex())
	assert.Equal(t, 1, events)
}

func TestOnRemoteFrame(t *testing.T) {
	r, _, _ := createTestReconciler(items(10, 20))

	echo := websocket.NewQueueSyncFrame(nil, nil)
	echo.ClientID = "me"
	r.OnRemoteFrame(echo)
	assert.Len(t, r.Items(), 2)

	change := websocket.NewQueueChangeFrame(20, 2)
	change.ClientID = "peer"
	r.OnRemoteFrame(change)
	assert.Equal(t, 1, r.CurrentIndex())

	snapshot := websocket.NewQueueSyncFrame(items(20, 40, 50), nil)
	snapshot.ClientID = "peer"
	r.OnRemoteFrame(snapshot)
	assert.Equal(t, []int64{20, 40, 50}, musicIDs(r.Items()))
	assert.Equal(t, 0, r.CurrentIndex())

	empty := &websocket.Frame{Type: websocket.FrameQueueSync, ClientID: "peer"}
	r.OnRemoteFrame(empty)
	assert.Empty(t, r.Items())
	assert.Equal(t, NoSelection, r.CurrentIndex())
}

func TestAnswerQueueRequest(t *testing.T) {
	r, _, sender := createTestReconciler(items(10, 20))
	require.NoError(t, r.Select(1))

	require.NoError(t, r.AnswerQueueRequest(&websocket.Frame{Type: websocket.FrameRequestQueue, ClientID: "peer"}))

	frame := sender.last()
	assert.Equal(t, websocket.FrameQueueSync, frame.Type)
	assert.Len(t, frame.Items, 2)
	assert.EqualValues(t, 20, *frame.CurrentTrackID)
}

func TestAddWithdrawnWhilePendingDeletesServerCopy(t *testing.T) {
	r, fake, sender := createTestReconciler(nil)
	fake.addGate = make(chan struct{})

	type result struct {
		item *models.QueueItem
		err  error
	}
	done := make(chan result, 1)
	go func() {
		item, err := r.Add(context.Background(), 42)
		done <- result{item, err}
	}()

	require.Eventually(t, func() bool {
		list := r.Items()
		return len(list) == 1 && list[0].Pending()
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Remove(context.Background(), r.Items()[0].ID))
	close(fake.addGate)

	var res result
	select {
	case res = <-done:
	case <-time.After(time.Second):
		t.Fatal("add did not return")
	}

	assert.ErrorIs(t, res.err, ErrAddWithdrawn)
	assert.Nil(t, res.item)
	assert.Empty(t, r.Items())

	fake.mu.Lock()
	assert.Empty(t, fake.items)
	fake.mu.Unlock()
	assert.Zero(t, sender.count())
}

func TestAddWithdrawnReloadsWhenDeleteFails(t *testing.T) {
	r, fake, _ := createTestReconciler(nil)
	fake.addGate = make(chan struct{})
	fake.deleteErr = errors.New("boom")

	done := make(chan error, 1)
	go func() {
		_, err := r.Add(context.Background(), 42)
		done <- err
	}()

	require.Eventually(t, func() bool { return len(r.Items()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.Remove(context.Background(), r.Items()[0].ID))
	close(fake.addGate)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrAddWithdrawn)
	case <-time.After(time.Second):
		t.Fatal("add did not return")
	}

	// The server still holds the row, so the reload brings it back.
	fake.mu.Lock()
	assert.Equal(t, 1, fake.lists)
	fake.mu.Unlock()
	assert.Equal(t, []int64{42}, musicIDs(r.Items()))
}

func TestCurrentTrackOnlyQueueSyncKeepsItems(t *testing.T) {
	r, _, _ := createTestReconciler(items(10, 20, 30))

	frame, err := websocket.ParseFrame([]byte(`{"type":"queue_sync","client_id":"peer","current_track_id":20,"queue_length":3}`))
	require.NoError(t, err)
	r.OnRemoteFrame(frame)

	assert.Equal(t, []int64{10, 20, 30}, musicIDs(r.Items()))
	assert.Equal(t, 1, r.CurrentIndex())
}

func TestEmptySnapshotRoundTripClearsQueue(t *testing.T) {
	r, _, _ := createTestReconciler(items(10, 20))

	out := websocket.NewQueueSyncFrame(nil, nil)
	out.ClientID = "peer"
	raw, err := json.Marshal(out)
	require.NoError(t, err)

	frame, err := websocket.ParseFrame(raw)
	require.NoError(t, err)
	r.OnRemoteFrame(frame)

	assert.Empty(t, r.Items())
}

func TestQueueSyncWithZeroLengthClearsQueue(t *testing.T) {
	r, _, _ := createTestReconciler(items(10, 20))

	frame, err := websocket.ParseFrame([]byte(`{"type":"queue_sync","client_id":"peer","queue_length":0}`))
	require.NoError(t, err)
	r.OnRemoteFrame(frame)

	assert.Empty(t, r.Items())
}
