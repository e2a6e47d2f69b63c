// Package broadcast pushes task offers to delegates over Redis pub/sub.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/UniQw/uniqw-dispatch/internal/keys"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// ErrNoRecipients is returned by Publish when no delegate ids are given.
var ErrNoRecipients = errors.New("dispatch: broadcast without recipients")

// Message is a "try this task" offer.
type Message struct {
	AccountID   string   `json:"account_id"`
	TaskID      string   `json:"task_id"`
	Version     string   `json:"version,omitempty"`
	DelegateIDs []string `json:"delegate_ids"`
	SentAt      int64    `json:"sent_at"`
}

// For reports whether the offer targets delegateID.
func (m *Message) For(delegateID string) bool {
	return slices.Contains(m.DelegateIDs, delegateID)
}

// Transport publishes and receives offers on the per-account broadcast channel.
type Transport struct {
	rdb redis.UniversalClient
}

// New creates a transport on top of rdb.
func New(rdb redis.UniversalClient) *Transport {
	return &Transport{rdb: rdb}
}

// Publish sends the offer. Delivery is fire-and-forget: the call succeeds once
// Redis accepted the message, whether or not anyone is subscribed.
func (t *Transport) Publish(ctx context.Context, acct, taskID, version string, delegateIDs []string) error {
	if len(delegateIDs) == 0 {
		return ErrNoRecipients
	}
	raw, err := json.Marshal(Message{
		AccountID:   acct,
		TaskID:      taskID,
		Version:     version,
		DelegateIDs: delegateIDs,
		SentAt:      time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return t.rdb.Publish(ctx, keys.Broadcast(acct), raw).Err()
}

// Subscription streams offers of one account.
type Subscription struct {
	ps   *redis.PubSub
	ch   chan *Message
	done chan struct{}
	once sync.Once
}

// Subscribe listens to the account channel. Only offers addressed to
// delegateID are delivered; an empty delegateID receives every offer.
// The subscription is established when Subscribe returns.
func (t *Transport) Subscribe(ctx context.Context, acct, delegateID string) (*Subscription, error) {
	ps := t.rdb.Subscribe(ctx, keys.Broadcast(acct))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	s := &Subscription{ps: ps, ch: make(chan *Message, 64), done: make(chan struct{})}
	go s.loop(delegateID)
	return s, nil
}

// C returns the offer stream. It is closed by Close.
func (s *Subscription) C() <-chan *Message { return s.ch }

// Close stops the subscription.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *Subscription) loop(delegateID string) {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		var m Message
		if err := sonic.UnmarshalString(msg.Payload, &m); err != nil {
			continue
		}
		if delegateID != "" && !m.For(delegateID) {
			continue
		}
		select {
		case s.ch <- &m:
		case <-s.done:
			return
		}
	}
}
