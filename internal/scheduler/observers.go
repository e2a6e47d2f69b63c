package scheduler

import "sync"

// Observer is notified when a delegate is flagged disconnected.
type Observer interface {
	OnDisconnected(acct, delegateID string)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(acct, delegateID string)

func (f ObserverFunc) OnDisconnected(acct, delegateID string) { f(acct, delegateID) }

// Subject fans disconnect notifications out to registered observers.
// Observers run synchronously in registration order; a panicking observer
// does not prevent delivery to the rest.
type Subject struct {
	mu  sync.RWMutex
	obs []Observer
	log Logger
}

// NewSubject creates an empty subject.
func NewSubject(l Logger) *Subject {
	return &Subject{log: orNoop(l)}
}

// Register adds an observer.
func (s *Subject) Register(o Observer) {
	if o == nil {
		return
	}
	s.mu.Lock()
	s.obs = append(s.obs, o)
	s.mu.Unlock()
}

// Notify delivers the event to every observer and returns how many panicked.
func (s *Subject) Notify(acct, delegateID string) int {
	s.mu.RLock()
	obs := append([]Observer(nil), s.obs...)
	s.mu.RUnlock()
	failed := 0
	for _, o := range obs {
		if !s.deliver(o, acct, delegateID) {
			failed++
		}
	}
	return failed
}

func (s *Subject) deliver(o Observer, acct, delegateID string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("observer panic: account=%s delegate=%s panic=%v", acct, delegateID, r)
			ok = false
		}
	}()
	o.OnDisconnected(acct, delegateID)
	return true
}
