// Package notify fans purchase notifications out to registered observers.
package notify

import (
	"sync"

	"github.com/umit144/purchase-reconciler/internal/models"
)

type Observer interface {
	OnPurchaseNotification(info models.NotificationInfo)
}

type ObserverFunc func(info models.NotificationInfo)

func (f ObserverFunc) OnPurchaseNotification(info models.NotificationInfo) {
	f(info)
}

// Registration identifies a registered observer for Unregister.
type Registration uint64

type entry struct {
	id       Registration
	observer Observer
}

// Dispatcher delivers each notification synchronously, in registration
// order, on the caller's goroutine, to the observers registered when
// Dispatch was called. Nothing is buffered.
type Dispatcher struct {
	mu        sync.RWMutex
	observers []entry
	next      Registration
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

func (d *Dispatcher) Register(o Observer) Registration {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.next++
	d.observers = append(d.observers, entry{id: d.next, observer: o})
	return d.next
}

// Unregister is a no-op for unknown registrations.
func (d *Dispatcher) Unregister(r Registration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, e := range d.observers {
		if e.id == r {
			d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
			return
		}
	}
}

func (d *Dispatcher) Dispatch(info models.NotificationInfo) {
	d.mu.RLock()
	observers := make([]Observer, len(d.observers))
	for i, e := range d.observers {
		observers[i] = e.observer
	}
	d.mu.RUnlock()

	for _, o := range observers {
		o.OnPurchaseNotification(info)
	}
}
