// Package events implements the process-wide publish-subscribe
// channel: a bounded multi-producer, multi-consumer fan-out where a
// slow subscriber sees a gap indicator instead of blocking the
// publisher. The persistence store remains the
// single source of truth; these events are for UIs, not replay.
package events

import (
	"sync"

	"github.com/segmentio/ksuid"
)

// Kind is the closed set of event types the core ever emits.
type Kind string

const (
	KindQueued           Kind = "Queued"
	KindDownloading      Kind = "Downloading"
	KindDownloadComplete Kind = "DownloadComplete"
	KindDownloadFailed   Kind = "DownloadFailed"
	KindVerifying        Kind = "Verifying"
	KindVerifyComplete   Kind = "VerifyComplete"
	KindRepairing        Kind = "Repairing"
	KindRepairComplete   Kind = "RepairComplete"
	KindRepairSkipped    Kind = "RepairSkipped"
	KindExtracting       Kind = "Extracting"
	KindExtractComplete  Kind = "ExtractComplete"
	KindMoving           Kind = "Moving"
	KindCleaning         Kind = "Cleaning"
	KindComplete         Kind = "Complete"
	KindFailed           Kind = "Failed"
	KindDirectRenamed    Kind = "DirectRenamed"
	KindDuplicateDetected Kind = "DuplicateDetected"
	KindSpeedLimitChanged Kind = "SpeedLimitChanged"
	KindQueuePaused      Kind = "QueuePaused"
	KindQueueResumed     Kind = "QueueResumed"
	KindRemoved          Kind = "Removed"
	KindShutdown         Kind = "Shutdown"
)

// Event is one notification on the bus. DownloadID is zero for
// process-wide events (QueuePaused, QueueResumed, Shutdown, SpeedLimitChanged).
type Event struct {
	Kind       Kind
	DownloadID int64
	Payload    map[string]any
}

const subscriberBuffer = 64

type subscriber struct {
	ch       chan Event
	mu       sync.Mutex
	gapCount int
}

// Bus is the broadcast channel. Zero value is not usable; use New.
type Bus struct {
	mu   sync.RWMutex
	subs map[ksuid.KSUID]*subscriber
}

func New() *Bus {
	return &Bus{subs: make(map[ksuid.KSUID]*subscriber)}
}

// Subscribe returns a handle and a receive channel. The channel is
// closed when Unsubscribe is called with this handle.
func (b *Bus) Subscribe() (ksuid.KSUID, <-chan Event) {
	id := ksuid.New()
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id ksuid.KSUID) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if ok {
		close(sub.ch)
	}
}

// Gap reports how many events a subscriber has missed due to a full
// buffer since the last call to Gap.
func (b *Bus) Gap(id ksuid.KSUID) int {
	b.mu.RLock()
	sub, ok := b.subs[id]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	n := sub.gapCount
	sub.gapCount = 0
	return n
}

// Publish delivers ev to every subscriber. A subscriber whose buffer is
// full has its oldest event dropped and a gap counter bumped; the
// publisher never blocks.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
			sub.mu.Lock()
			sub.gapCount++
			sub.mu.Unlock()
		}
	}
}

func Payload(kv ...any) map[string]any {
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		m[key] = kv[i+1]
	}
	return m
}
