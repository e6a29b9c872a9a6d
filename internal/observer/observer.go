// Package observer fans out Instance status changes to interested
// subscribers, the same mutate-then-broadcast pattern this codebase's
// sandbox/execution state tracking uses for its own event subscribers.
package observer

import (
	"sync"

	"github.com/ireznice/travis-worker/internal/envelope"
)

// Report is a single state-change notification.
type Report struct {
	InstanceName string
	Host         string
	State        string
	JobUUID      string
	LastError    string
	Payload      *envelope.Job
	Message      string
}

// Observer receives status reports. Notify must not block for long: it
// runs on whichever goroutine changed the Instance's state (the mailbox
// goroutine, or the caller of Start or Stop).
type Observer interface {
	Notify(Report)
}

// Func adapts a plain function to Observer.
type Func func(Report)

func (f Func) Notify(r Report) { f(r) }

// Registry holds a set of observers and notifies all of them in
// registration order. Safe for concurrent Register and Notify calls.
type Registry struct {
	mu        sync.Mutex
	observers []Observer
}

// Register adds obs to the registry.
func (r *Registry) Register(obs Observer) {
	if obs == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, obs)
}

// Notify delivers report to every registered observer. A panicking
// observer is recovered and does not prevent the remaining observers
// from being notified.
func (r *Registry) Notify(report Report) {
	r.mu.Lock()
	observers := append([]Observer(nil), r.observers...)
	r.mu.Unlock()

	for _, obs := range observers {
		notifyOne(obs, report)
	}
}

func notifyOne(obs Observer, report Report) {
	defer func() { _ = recover() }()
	obs.Notify(report)
}
