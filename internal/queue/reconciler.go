package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"listen-room/internal/models"
	"listen-room/internal/subscription"
	"listen-room/internal/websocket"

	"github.com/samber/lo"
)

// NoSelection is the current index of an empty queue.
const NoSelection = -1

var (
	ErrItemNotFound    = errors.New("queue item not found")
	ErrIndexOutOfRange = errors.New("queue index out of range")
	ErrAddWithdrawn    = errors.New("queue item removed before the server confirmed it")
)

// API persists queue mutations.
type API interface {
	ListQueue(ctx context.Context, roomID int64) ([]models.QueueItem, error)
	AddQueueItem(ctx context.Context, req models.CreateQueueItemRequest) (*models.QueueItem, error)
	DeleteQueueItem(ctx context.Context, itemID int64) error
	MoveQueueItem(ctx context.Context, itemID int64, position int) (*models.QueueItem, error)
}

// Catalogue resolves track metadata.
type Catalogue interface {
	GetTrack(ctx context.Context, musicID int64) (*models.Track, error)
}

// Sender delivers frames to the room channel.
type Sender interface {
	Send(frame *websocket.Frame) error
}

// Event describes the queue after a change.
type Event struct {
	Items          []models.QueueItem
	CurrentIndex   int
	Current        *models.QueueItem
	CurrentChanged bool
}

// Reconciler maintains the ordered queue of a room and its current index.
type Reconciler struct {
	api       API
	catalogue Catalogue
	sender    Sender
	roomID    int64
	clientID  string
	logger    *slog.Logger

	mu      sync.Mutex
	items   []models.QueueItem
	current int
	tempID  int64

	subscribers subscription.List[Event]
}

func NewReconciler(api API, catalogue Catalogue, sender Sender, roomID int64, clientID string, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		api:       api,
		catalogue: catalogue,
		sender:    sender,
		roomID:    roomID,
		clientID:  clientID,
		logger:    logger.With("room_id", roomID),
		current:   NoSelection,
	}
}

// ==============================================================
// Local mutations
// ==============================================================

// Add appends a provisional item, persists it, then replaces the provisional
// row with the server's. The row is removed again when the server refuses.
// When the row was removed locally in the meantime, the server copy is
// deleted too and ErrAddWithdrawn is returned.
func (r *Reconciler) Add(ctx context.Context, musicID int64) (*models.QueueItem, error) {
	r.mu.Lock()
	r.tempID--
	tempID := r.tempID
	r.items = append(r.items, models.QueueItem{
		ID:       tempID,
		RoomID:   r.roomID,
		MusicID:  musicID,
		Position: r.nextPositionLocked(),
	})
	changed := false
	if len(r.items) == 1 {
		r.current = 0
		changed = true
	}
	ev := r.eventLocked(changed)
	r.mu.Unlock()
	r.subscribers.Notify(ev)

	created, err := r.api.AddQueueItem(ctx, models.CreateQueueItemRequest{RoomID: r.roomID, MusicID: musicID})
	if err != nil {
		r.logger.Warn("Failed to add queue item", "music_id", musicID, "error", err)
		r.dropProvisional(tempID)
		return nil, err
	}

	if created.Music == nil && r.catalogue != nil {
		track, err := r.catalogue.GetTrack(ctx, musicID)
		if err != nil {
			r.logger.Debug("Track metadata unavailable", "music_id", musicID, "error", err)
		} else {
			created.Music = track
		}
	}

	r.mu.Lock()
	_, idx, ok := lo.FindIndexOf(r.items, func(it models.QueueItem) bool { return it.ID == tempID })
	if ok {
		r.items[idx] = *created
	}
	ev = r.eventLocked(ok && idx == r.current)
	r.mu.Unlock()

	if !ok {
		// removed locally while the add was in flight
		r.logger.Info("Queue item removed before confirmation, deleting it", "item_id", created.ID)
		if err := r.api.DeleteQueueItem(ctx, created.ID); err != nil {
			r.logger.Warn("Failed to delete withdrawn queue item, reloading", "item_id", created.ID, "error", err)
			r.reload(ctx)
		}
		return nil, fmt.Errorf("%w: %d", ErrAddWithdrawn, created.ID)
	}

	r.subscribers.Notify(ev)
	r.broadcastSnapshot()
	return created, nil
}

func (r *Reconciler) dropProvisional(tempID int64) {
	r.mu.Lock()
	_, idx, ok := lo.FindIndexOf(r.items, func(it models.QueueItem) bool { return it.ID == tempID })
	if !ok {
		r.mu.Unlock()
		return
	}
	changed := r.removeAtLocked(idx)
	ev := r.eventLocked(changed)
	r.mu.Unlock()
	r.subscribers.Notify(ev)
}

// Remove deletes an item locally, then on the server. A server refusal
// reloads the queue.
func (r *Reconciler) Remove(ctx context.Context, itemID int64) error {
	r.mu.Lock()
	idx := r.indexOfLocked(itemID)
	if idx < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrItemNotFound, itemID)
	}
	pending := r.items[idx].Pending()
	changed := r.removeAtLocked(idx)
	ev := r.eventLocked(changed)
	r.mu.Unlock()
	r.subscribers.Notify(ev)

	if pending {
		return nil
	}

	if err := r.api.DeleteQueueItem(ctx, itemID); err != nil {
		r.logger.Warn("Failed to delete queue item, reloading", "item_id", itemID, "error", err)
		r.reload(ctx)
		return err
	}
	r.broadcastSnapshot()
	return nil
}

// Reorder moves the source item to the target item's slot. A server refusal
// reloads the queue instead of undoing the move locally.
func (r *Reconciler) Reorder(ctx context.Context, sourceID, targetID int64) error {
	r.mu.Lock()
	src, dst := r.indexOfLocked(sourceID), r.indexOfLocked(targetID)
	if src < 0 || dst < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d -> %d", ErrItemNotFound, sourceID, targetID)
	}
	if src == dst {
		r.mu.Unlock()
		return nil
	}
	position := r.items[dst].Position
	r.moveLocked(src, dst)
	ev := r.eventLocked(false)
	r.mu.Unlock()
	r.subscribers.Notify(ev)

	if _, err := r.api.MoveQueueItem(ctx, sourceID, position); err != nil {
		r.logger.Warn("Server rejected reorder, reloading", "item_id", sourceID, "position", position, "error", err)
		r.reload(ctx)
		return err
	}
	r.broadcastSnapshot()
	return nil
}

// Select makes the item at index current and tells the room.
func (r *Reconciler) Select(index int) error {
	r.mu.Lock()
	if index < 0 || index >= len(r.items) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	if index == r.current {
		r.mu.Unlock()
		return nil
	}
	r.current = index
	item := r.items[index]
	length := len(r.items)
	ev := r.eventLocked(true)
	r.mu.Unlock()
	r.subscribers.Notify(ev)

	if err := r.sender.Send(websocket.NewQueueChangeFrame(item.MusicID, length)); err != nil {
		r.logger.Debug("Queue change not broadcast", "error", err)
	}
	return nil
}

// Next selects the following item. It reports false at the end of the queue.
func (r *Reconciler) Next() (bool, error) {
	r.mu.Lock()
	next := r.current + 1
	ok := r.current != NoSelection && next < len(r.items)
	r.mu.Unlock()

	if !ok {
		return false, nil
	}
	return true, r.Select(next)
}

// Previous selects the preceding item. It reports false at the start.
func (r *Reconciler) Previous() (bool, error) {
	r.mu.Lock()
	prev := r.current - 1
	ok := prev >= 0
	r.mu.Unlock()

	if !ok {
		return false, nil
	}
	return true, r.Select(prev)
}

// PlayTrack selects the first item holding the track.
func (r *Reconciler) PlayTrack(musicID int64) error {
	r.mu.Lock()
	idx := r.indexOfTrackLocked(musicID)
	r.mu.Unlock()

	if idx < 0 {
		return fmt.Errorf("%w: track %d", ErrItemNotFound, musicID)
	}
	return r.Select(idx)
}

// ==============================================================
// Remote synchronisation
// ==============================================================

// Load replaces the queue with the server's copy.
func (r *Reconciler) Load(ctx context.Context) error {
	items, err := r.api.ListQueue(ctx, r.roomID)
	if err != nil {
		return err
	}
	r.SyncQueueWithRemote(items)
	return nil
}

func (r *Reconciler) reload(ctx context.Context) {
	if err := r.Load(ctx); err != nil {
		r.logger.Error("Failed to reload queue", "error", err)
	}
}

// SyncQueueWithRemote replaces the queue wholesale. The previously current
// track stays current when it is still queued; otherwise the first item is
// selected.
func (r *Reconciler) SyncQueueWithRemote(items []models.QueueItem) {
	r.mu.Lock()
	prevTrack, hadCurrent := r.currentTrackLocked()

	r.items = slices.Clone(items)
	if r.items == nil {
		r.items = []models.QueueItem{}
	}

	switch {
	case len(r.items) == 0:
		r.current = NoSelection
	case hadCurrent && r.indexOfTrackLocked(prevTrack) >= 0:
		r.current = r.indexOfTrackLocked(prevTrack)
	default:
		r.current = 0
	}

	newTrack, hasCurrent := r.currentTrackLocked()
	changed := hadCurrent != hasCurrent || prevTrack != newTrack
	ev := r.eventLocked(changed)
	r.mu.Unlock()
	r.subscribers.Notify(ev)
}

// SyncCurrentTrack moves the pointer to the first item holding the track,
// leaving the items untouched.
func (r *Reconciler) SyncCurrentTrack(musicID int64) {
	r.mu.Lock()
	idx := r.indexOfTrackLocked(musicID)
	if idx < 0 || idx == r.current {
		r.mu.Unlock()
		return
	}
	r.current = idx
	ev := r.eventLocked(true)
	r.mu.Unlock()
	r.subscribers.Notify(ev)
}

// OnRemoteFrame applies a queue_sync or queue_change frame from another client.
// A frame with an item list replaces the queue; one with only a current
// track id moves the pointer.
func (r *Reconciler) OnRemoteFrame(frame *websocket.Frame) {
	if frame.ClientID != "" && frame.ClientID == r.clientID {
		r.logger.Debug("Ignoring own queue echo", "type", frame.Type)
		return
	}

	switch {
	case frame.Items != nil:
		r.SyncQueueWithRemote(frame.Items)
	case frame.CurrentTrackID != nil:
		r.SyncCurrentTrack(*frame.CurrentTrackID)
	case frame.Type == websocket.FrameQueueSync && frame.QueueLength != nil && *frame.QueueLength == 0:
		// empty snapshot from a peer that omits the item list
		r.SyncQueueWithRemote(nil)
	default:
		r.logger.Debug("Queue frame carries no items or current track", "type", frame.Type)
	}
}

// AnswerQueueRequest replies to request_queue with a snapshot.
func (r *Reconciler) AnswerQueueRequest(frame *websocket.Frame) error {
	if frame.ClientID != "" && frame.ClientID == r.clientID {
		return nil
	}
	return r.sender.Send(r.snapshotFrame())
}

// ==============================================================
// Accessors
// ==============================================================

// Items returns a copy of the queue.
func (r *Reconciler) Items() []models.QueueItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.items)
}

// CurrentIndex returns the selected index, or NoSelection.
func (r *Reconciler) CurrentIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Current returns the selected item, if any.
func (r *Reconciler) Current() (models.QueueItem, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == NoSelection {
		return models.QueueItem{}, false
	}
	return r.items[r.current], true
}

// Subscribe registers a callback for queue changes.
func (r *Reconciler) Subscribe(fn func(Event)) *subscription.Handle {
	return r.subscribers.Subscribe(fn)
}

// Clear drops every subscriber.
func (r *Reconciler) Clear() {
	r.subscribers.Clear()
}

// ==============================================================
// Internal helpers, callers hold r.mu
// ==============================================================

// removeAtLocked deletes the item at idx and keeps the pointer on the same
// logical item. It reports whether the current item changed.
func (r *Reconciler) removeAtLocked(idx int) bool {
	wasCurrent := idx == r.current
	r.items = slices.Delete(r.items, idx, idx+1)

	switch {
	case len(r.items) == 0:
		r.current = NoSelection
	case idx < r.current:
		r.current--
	case wasCurrent && r.current >= len(r.items):
		r.current = len(r.items) - 1
	}
	return wasCurrent
}

// moveLocked moves the item at src to dst and renumbers positions the way
// the server does.
func (r *Reconciler) moveLocked(src, dst int) {
	item := r.items[src]
	from, to := item.Position, r.items[dst].Position

	for i := range r.items {
		p := r.items[i].Position
		switch {
		case to < from && p >= to && p < from:
			r.items[i].Position++
		case to > from && p > from && p <= to:
			r.items[i].Position--
		}
	}
	item.Position = to

	r.items = slices.Delete(r.items, src, src+1)
	r.items = slices.Insert(r.items, dst, item)

	switch {
	case r.current == src:
		r.current = dst
	case src < r.current && dst >= r.current:
		r.current--
	case src > r.current && dst <= r.current:
		r.current++
	}
}

func (r *Reconciler) indexOfLocked(itemID int64) int {
	_, idx, ok := lo.FindIndexOf(r.items, func(it models.QueueItem) bool { return it.ID == itemID })
	if !ok {
		return -1
	}
	return idx
}

func (r *Reconciler) indexOfTrackLocked(musicID int64) int {
	_, idx, ok := lo.FindIndexOf(r.items, func(it models.QueueItem) bool { return it.MusicID == musicID })
	if !ok {
		return -1
	}
	return idx
}

func (r *Reconciler) currentTrackLocked() (int64, bool) {
	if r.current == NoSelection || r.current >= len(r.items) {
		return 0, false
	}
	return r.items[r.current].MusicID, true
}

func (r *Reconciler) nextPositionLocked() int {
	return lo.Reduce(r.items, func(top int, it models.QueueItem, _ int) int {
		return max(top, it.Position)
	}, 0) + 1
}

func (r *Reconciler) eventLocked(currentChanged bool) Event {
	ev := Event{
		Items:          slices.Clone(r.items),
		CurrentIndex:   r.current,
		CurrentChanged: currentChanged,
	}
	if r.current != NoSelection {
		cur := r.items[r.current]
		ev.Current = &cur
	}
	return ev
}

func (r *Reconciler) snapshotFrame() *websocket.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	confirmed := lo.Reject(r.items, func(it models.QueueItem, _ int) bool { return it.Pending() })
	var currentTrack *int64
	if id, ok := r.currentTrackLocked(); ok {
		currentTrack = lo.ToPtr(id)
	}
	return websocket.NewQueueSyncFrame(confirmed, currentTrack)
}

func (r *Reconciler) broadcastSnapshot() {
	if err := r.sender.Send(r.snapshotFrame()); err != nil {
		r.logger.Debug("Queue snapshot not broadcast", "error", err)
	}
}
