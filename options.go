package dispatch

import (
	"time"

	"github.com/UniQw/uniqw-dispatch/internal/scheduler"
)

// DefaultTaskExpiry is applied by Submit when neither ExpireIn nor Deadline is given.
const DefaultTaskExpiry = time.Hour

// InitialBroadcastDelay separates the offer sent by Submit from the first
// rebroadcast pass.
const InitialBroadcastDelay = 5 * time.Second

type options struct {
	id           string
	expireIn     time.Duration
	deadline     time.Time
	noExpiry     bool
	capabilities []string
	version      string
}

// Option is a function that configures a task during Submit.
type Option func(*options)

// TaskID sets a custom ID for the task. If not provided, a random UUID will be generated.
func TaskID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// ExpireIn sets a relative deadline. A task that is not finished by then is
// expired or failed by the reaper.
func ExpireIn(d time.Duration) Option {
	return func(o *options) {
		o.expireIn = d
		o.deadline = time.Time{}
		o.noExpiry = false
	}
}

// Deadline sets an absolute deadline. The zero time is ignored.
func Deadline(t time.Time) Option {
	return func(o *options) {
		if !t.IsZero() {
			o.deadline = t
			o.expireIn = 0
			o.noExpiry = false
		}
	}
}

// expiry resolves the task deadline relative to now.
func (o *options) expiry(now time.Time) time.Time {
	switch {
	case o.noExpiry:
		return time.Time{}
	case !o.deadline.IsZero():
		return o.deadline
	case o.expireIn > 0:
		return now.Add(o.expireIn)
	}
	return now.Add(DefaultTaskExpiry)
}

// NoExpiry keeps the task until it is completed, aborted or failed.
func NoExpiry() Option {
	return func(o *options) {
		o.expireIn = 0
		o.deadline = time.Time{}
		o.noExpiry = true
	}
}

// Capabilities lists the capability tags a delegate must declare to be eligible.
func Capabilities(tags ...string) Option {
	return func(o *options) {
		o.capabilities = append(o.capabilities, tags...)
	}
}

// Version is sent with every offer so delegates can reject incompatible tasks.
func Version(v string) Option {
	return func(o *options) {
		o.version = v
	}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithEncoder replaces the payload encoder.
func WithEncoder(e Encoder) ClientOption {
	return func(c *Client) {
		if e != nil {
			c.encoder = e
		}
	}
}

// WithLogger sets the client logger. Defaults to FmtLogger.
func WithLogger(l Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithHeartbeatTimeout sets the heartbeat age after which delegates are not
// offered new tasks. It should match ServerConfig.HeartbeatTimeout.
func WithHeartbeatTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.heartbeatTimeout = d
		}
	}
}

// WithRetention sets how long terminal tasks are kept. It should match ServerConfig.Retention.
func WithRetention(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.retention = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Policy controls rebroadcast fan-out and pacing, see DefaultPolicy.
type Policy = scheduler.Policy

// DefaultPolicy returns the stock rebroadcast policy.
func DefaultPolicy() Policy { return scheduler.DefaultPolicy() }

// Observer is notified when the server marks a delegate disconnected.
type Observer = scheduler.Observer

// ObserverFunc adapts a function to Observer.
type ObserverFunc = scheduler.ObserverFunc

// FailureFormatter renders the reason stored on force-failed tasks.
type FailureFormatter = scheduler.Formatter

// Cause identifies why a task was force-failed.
type Cause = scheduler.Cause
