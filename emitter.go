package relaycache

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Notification names emitted by VideoService and DirectMessageReconciler.
const (
	EventVideosUpdated       = "videos:updated"
	EventVideosCache         = "videos:cache"
	EventVideosFetched       = "videos:fetched"
	EventVideosOlder         = "videos:older"
	EventVideosReverted      = "videos:reverted"
	EventVideosDeleted       = "videos:deleted"
	EventSubscriptionStarted = "subscription:started"

	EventDMUpdated  = "directMessages:updated"
	EventDMHydrated = "directMessages:hydrated"
	EventDMMessage  = "directMessages:message"
	EventDMCleared  = "directMessages:cleared"
)

// Notification is what listeners receive.
type Notification struct {
	Name    string
	Reason  string
	Payload any
}

// NotificationListener receives emitted notifications.
type NotificationListener func(n Notification)

// Emitter is a small synchronous pub/sub. A listener that panics is logged
// and does not stop the others.
type Emitter struct {
	listeners map[string][]NotificationListener
	all       []NotificationListener
	mu        sync.RWMutex
}

func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[string][]NotificationListener)}
}

// On registers a listener for one notification name.
func (e *Emitter) On(name string, listener NotificationListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[name] = append(e.listeners[name], listener)
}

// OnAny registers a listener for every notification.
func (e *Emitter) OnAny(listener NotificationListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, listener)
}

// Emit calls listeners synchronously, outside the lock.
func (e *Emitter) Emit(n Notification) {
	e.mu.RLock()
	listeners := append(append([]NotificationListener{}, e.listeners[n.Name]...), e.all...)
	e.mu.RUnlock()

	for _, listener := range listeners {
		e.safeCall(listener, n)
	}
}

func (e *Emitter) safeCall(listener NotificationListener, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Warnf("📣 listener for %s panicked: %v", n.Name, fmt.Sprint(r))
		}
	}()
	listener(n)
}
