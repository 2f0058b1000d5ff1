package coordinator

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/snapsentinel/snapsentinel/internal/shared"
	"go.uber.org/zap"
)

const (
	observerQueueSize   = 256
	recentArtifactLimit = 128
)

// Observer is one console subscription to registry and artifact broadcasts.
type Observer struct {
	ID    string
	queue chan []byte
}

// C is the frame stream the transport write pump drains.
func (o *Observer) C() <-chan []byte {
	return o.queue
}

// Broadcaster fans registry snapshots and artifact events out to every
// subscribed observer. Enqueue is bounded and non-blocking: a publisher is
// never stalled by a slow console, the console is dropped instead.
type Broadcaster struct {
	logger  *zap.Logger
	metrics *Metrics

	mu        sync.Mutex
	observers map[string]*Observer

	// Recent artifact events, oldest first, replayed to new subscribers so
	// a console attaching mid-stream is not blind to the latest captures.
	recent *lru.Cache[string, shared.NewImagePayload]
}

func NewBroadcaster(logger *zap.Logger) (*Broadcaster, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	recent, err := lru.New[string, shared.NewImagePayload](recentArtifactLimit)
	if err != nil {
		return nil, fmt.Errorf("create recent artifact cache: %w", err)
	}

	return &Broadcaster{
		logger:    logger,
		metrics:   GetMetrics(),
		observers: make(map[string]*Observer),
		recent:    recent,
	}, nil
}

// Subscribe attaches a new observer. The caller seeds its queue with the
// current registry snapshot; the recent artifact backlog is replayed here.
func (b *Broadcaster) Subscribe() *Observer {
	obs := &Observer{
		ID:    uuid.New().String(),
		queue: make(chan []byte, observerQueueSize),
	}

	b.mu.Lock()
	for _, ev := range b.recent.Values() {
		data, err := shared.EncodeMessage(shared.MessageTypeNewImage, ev)
		if err != nil {
			continue
		}
		select {
		case obs.queue <- data:
		default:
		}
	}
	b.observers[obs.ID] = obs
	count := len(b.observers)
	b.mu.Unlock()

	b.metrics.SetActiveObservers(int64(count))
	b.logger.Info("observer subscribed", zap.String("observer_id", obs.ID))
	return obs
}

// Unsubscribe detaches an observer and closes its queue. Safe to call for
// an already-dropped observer.
func (b *Broadcaster) Unsubscribe(observerID string) {
	b.mu.Lock()
	obs, ok := b.observers[observerID]
	if ok {
		delete(b.observers, observerID)
		close(obs.queue)
	}
	count := len(b.observers)
	b.mu.Unlock()

	if ok {
		b.metrics.SetActiveObservers(int64(count))
		b.logger.Info("observer unsubscribed", zap.String("observer_id", observerID))
	}
}

// PublishSnapshot pushes the full registry state to every observer. Called
// from the registry-change hook, so it must never block.
func (b *Broadcaster) PublishSnapshot(snapshot map[string]Device) {
	data, err := shared.EncodeMessage(shared.MessageTypeClientsUpdate, snapshot)
	if err != nil {
		b.logger.Error("encode clients_update failed", zap.Error(err))
		return
	}
	b.publish(data)
}

// PublishArtifact fans one artifact event out to every observer and records
// it in the replay backlog.
func (b *Broadcaster) PublishArtifact(ev shared.NewImagePayload) {
	b.mu.Lock()
	b.recent.Add(fmt.Sprintf("%s/%d/%s", ev.DeviceID, ev.Timestamp.UnixNano(), ev.Filename), ev)
	b.mu.Unlock()

	data, err := shared.EncodeMessage(shared.MessageTypeNewImage, ev)
	if err != nil {
		b.logger.Error("encode new_image failed", zap.Error(err))
		return
	}
	b.publish(data)
}

// SendTo enqueues a frame for a single observer, used for targeted error
// replies to failed dispatches.
func (b *Broadcaster) SendTo(observerID string, data []byte) {
	// The send must happen under the lock: publish closes dropped queues
	// while holding it, and a send racing that close would panic.
	b.mu.Lock()
	defer b.mu.Unlock()

	obs, ok := b.observers[observerID]
	if !ok {
		return
	}
	select {
	case obs.queue <- data:
	default:
	}
}

// ObserverCount reports current subscriptions.
func (b *Broadcaster) ObserverCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

func (b *Broadcaster) publish(data []byte) {
	b.mu.Lock()
	var dropped []string
	for id, obs := range b.observers {
		select {
		case obs.queue <- data:
		default:
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		obs := b.observers[id]
		delete(b.observers, id)
		close(obs.queue)
	}
	count := len(b.observers)
	b.mu.Unlock()

	for _, id := range dropped {
		b.metrics.RecordDroppedObserver()
		b.logger.Warn("dropping slow observer", zap.String("observer_id", id))
	}
	if len(dropped) > 0 {
		b.metrics.SetActiveObservers(int64(count))
	}
}
