package journal

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/locationd/pkg/gps"
	"github.com/markus-lassfolk/locationd/pkg/logx"
)

func openTemp(t *testing.T, mutate func(*Config)) *Journal {
	t.Helper()
	config := DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "journal.db")
	if mutate != nil {
		mutate(config)
	}
	j, err := Open(config, logx.NewLogger("error", "test"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestAppendAndQuerySession(t *testing.T) {
	j := openTemp(t, nil)
	now := time.Now().UTC().Truncate(time.Millisecond)

	fix := &gps.PositionFix{Latitude: 59.3, Longitude: 18.0, Accuracy: 7.5, Provider: gps.ProviderNativeGNSS, Timestamp: now}
	require.NoError(t, j.Append(gps.Event{Type: gps.EventTrackingStarted, Session: "s1", Provider: gps.ProviderNativeGNSS, Timestamp: now}))
	require.NoError(t, j.Append(gps.Event{Type: gps.EventGnssStatus, Session: "s1", Timestamp: now}))
	require.NoError(t, j.Append(gps.Event{Type: gps.EventPositionUpdate, Session: "s1", Provider: gps.ProviderNativeGNSS, Fix: fix, Timestamp: now}))
	require.NoError(t, j.Append(gps.Event{Type: gps.EventFailed, Session: "s2", Err: errors.New("boom"), Timestamp: now}))

	entries, err := j.Session("s1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "tracking_started", entries[0].Type)
	assert.Nil(t, entries[0].Latitude)
	assert.Equal(t, "position_update", entries[1].Type)
	assert.Equal(t, "nativeGnss", entries[1].Provider)
	require.NotNil(t, entries[1].Accuracy)
	assert.Equal(t, 7.5, *entries[1].Accuracy)
	assert.True(t, entries[1].Timestamp.Equal(now))

	failed, err := j.Session("s2")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].Reason)
}

func TestSessionsSummary(t *testing.T) {
	j := openTemp(t, nil)
	now := time.Now()

	events := make(chan gps.Event, 4)
	events <- gps.Event{Type: gps.EventTrackingStarted, Session: "a", Provider: gps.ProviderNativeGNSS, Timestamp: now}
	events <- gps.Event{Type: gps.EventServiceCompleted, Session: "a", Provider: gps.ProviderFusedNetwork, Timestamp: now.Add(time.Second)}
	events <- gps.Event{Type: gps.EventTrackingStarted, Session: "b", Provider: gps.ProviderNativeGNSS, Timestamp: now.Add(2 * time.Second)}
	events <- gps.Event{Type: gps.EventFailed, Session: "b", Provider: gps.ProviderStandardFallback, Timestamp: now.Add(3 * time.Second)}
	close(events)
	j.Record(events)

	sessions, err := j.Sessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "b", sessions[0].Session)
	assert.Equal(t, "failed", sessions[0].Outcome)
	assert.Equal(t, "standardFallback", sessions[0].Provider)
	assert.Equal(t, "a", sessions[1].Session)
	assert.Equal(t, "service_completed", sessions[1].Outcome)
	assert.Equal(t, 2, sessions[1].Events)
	assert.Equal(t, time.Second, sessions[1].Ended.Sub(sessions[1].Started))
}

func TestPrune(t *testing.T) {
	j := openTemp(t, func(c *Config) {
		c.RetentionDays = 1
		c.MaxEntries = 2
	})
	now := time.Now()

	require.NoError(t, j.Append(gps.Event{Type: gps.EventTrackingStarted, Session: "old", Timestamp: now.Add(-72 * time.Hour)}))
	for i := 0; i < 3; i++ {
		require.NoError(t, j.Append(gps.Event{Type: gps.EventPositionUpdate, Session: "new", Timestamp: now}))
	}

	removed, err := j.Prune(now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	old, err := j.Session("old")
	require.NoError(t, err)
	assert.Empty(t, old)
	fresh, err := j.Session("new")
	require.NoError(t, err)
	assert.Len(t, fresh, 2)
}
