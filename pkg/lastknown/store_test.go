package lastknown

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/locationd/pkg/gps"
	"github.com/markus-lassfolk/locationd/pkg/logx"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "lastknown.db")
	s, err := Open(path, logx.NewLogger("error", "test"))
	require.NoError(t, err)
	return s, path
}

func fixAt(lat float64, p gps.Provider, ts time.Time) *gps.PositionFix {
	return &gps.PositionFix{Latitude: lat, Longitude: 18.0, Accuracy: 12, Provider: p, Timestamp: ts}
}

func TestSaveAndLoadAcrossReopen(t *testing.T) {
	s, path := openTemp(t)
	_, err := s.Load()
	assert.ErrorIs(t, err, ErrNotFound)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.Save(fixAt(59.1, gps.ProviderNativeGNSS, now)))
	require.NoError(t, s.Close())

	s, err = Open(path, logx.NewLogger("error", "test"))
	require.NoError(t, err)
	defer s.Close()

	fix, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 59.1, fix.Latitude)
	assert.True(t, fix.LastKnown)
	assert.True(t, fix.Timestamp.Equal(now))
}

func TestSaveKeepsNewest(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	now := time.Now()
	require.NoError(t, s.Save(fixAt(59.2, gps.ProviderFusedNetwork, now)))
	require.NoError(t, s.Save(fixAt(59.1, gps.ProviderNativeGNSS, now.Add(-time.Minute))))
	require.NoError(t, s.Save(&gps.PositionFix{Timestamp: now.Add(time.Hour)}))

	fix, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 59.2, fix.Latitude)

	_, err = s.LoadProvider(gps.ProviderNativeGNSS)
	assert.ErrorIs(t, err, ErrNotFound)
	byProvider, err := s.LoadProvider(gps.ProviderFusedNetwork)
	require.NoError(t, err)
	assert.Equal(t, gps.ProviderFusedNetwork, byProvider.Provider)
}

func TestRecordFromEvents(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	events := make(chan gps.Event, 3)
	events <- gps.Event{Type: gps.EventGnssStatus}
	events <- gps.Event{Type: gps.EventPositionUpdate, Fix: fixAt(59.3, gps.ProviderNativeGNSS, time.Now())}
	events <- gps.Event{Type: gps.EventFailed}
	close(events)
	s.Record(events)

	fix, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 59.3, fix.Latitude)
}
