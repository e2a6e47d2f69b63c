package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOptions_Setters(t *testing.T) {
	var o options

	TaskID("id-1")(&o)
	require.Equal(t, "id-1", o.id, "TaskID not set")

	Version("v2")(&o)
	require.Equal(t, "v2", o.version)

	Capabilities("gpu")(&o)
	Capabilities("linux", "arm64")(&o)
	require.Equal(t, []string{"gpu", "linux", "arm64"}, o.capabilities)

	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	require.Equal(t, now.Add(DefaultTaskExpiry), o.expiry(now), "default expiry")

	ExpireIn(time.Second)(&o)
	require.Equal(t, now.Add(time.Second), o.expiry(now))

	// Absolute deadline overrides
	t0 := now.Add(10 * time.Second)
	Deadline(t0)(&o)
	require.Equal(t, t0, o.expiry(now))

	// Zero values should not clear the deadline
	Deadline(time.Time{})(&o)
	require.Equal(t, t0, o.expiry(now))

	NoExpiry()(&o)
	require.True(t, o.expiry(now).IsZero())

	ExpireIn(time.Minute)(&o)
	require.Equal(t, now.Add(time.Minute), o.expiry(now), "a later option wins over NoExpiry")
}

func TestClientOptions_IgnoreZeroValues(t *testing.T) {
	c := NewClient(newMiniClient(t),
		WithEncoder(nil),
		WithLogger(nil),
		WithHeartbeatTimeout(0),
		WithRetention(-time.Second),
		WithClock(nil))
	require.IsType(t, &JSONEncoder{}, c.encoder)
	require.IsType(t, &FmtLogger{}, c.log)
	require.Equal(t, 30*time.Second, c.heartbeatTimeout)
	require.Equal(t, 24*time.Hour, c.retention)
	require.NotNil(t, c.now)
}
