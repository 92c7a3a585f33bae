package gpsctl

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/locationd/pkg/gps"
	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// scriptRunner answers commands from a table keyed by the joined command line
type scriptRunner struct {
	replies map[string]string
	calls   []string
}

func (r *scriptRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	cmd := strings.Join(append([]string{name}, args...), " ")
	r.calls = append(r.calls, cmd)
	out, ok := r.replies[cmd]
	if !ok {
		return nil, errors.New("exit status 1")
	}
	return []byte(out), nil
}

type staticLastKnown struct {
	fix *gps.PositionFix
}

func (s staticLastKnown) Load() (*gps.PositionFix, error) {
	if s.fix == nil {
		return nil, errors.New("none")
	}
	cp := *s.fix
	return &cp, nil
}

func gpsctlReplies() map[string]string {
	return map[string]string{
		"gpsctl -s": "1\n",
		"gpsctl -i": "59.329323\n",
		"gpsctl -x": "18.068581\n",
		"gpsctl -a": "28.4\n",
		"gpsctl -u": "3.2\n",
		"gpsctl -p": "9\n",
		"gpsctl -v": "36\n",
		"gpsctl -c": "182.5\n",
	}
}

func testLogger() *logx.Logger {
	return logx.NewLogger("error", "test")
}

func TestPositionFromGpsctl(t *testing.T) {
	b := NewBackend(&scriptRunner{replies: gpsctlReplies()}, nil, nil, testLogger())

	fix, err := b.PositionWithFallback(context.Background(), time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 59.329323, fix.Latitude, 1e-9)
	assert.InDelta(t, 18.068581, fix.Longitude, 1e-9)
	assert.Equal(t, 28.4, fix.Altitude)
	assert.Equal(t, 3.2, fix.Accuracy)
	assert.Equal(t, 9, fix.Satellites)
	assert.InDelta(t, 10.0, fix.Speed, 1e-9)
	assert.Equal(t, 182.5, fix.Heading)
	assert.Equal(t, gps.Fix3D, fix.FixType)
	assert.Equal(t, gps.ProviderStandardFallback, fix.Provider)
	assert.False(t, fix.LastKnown)
}

func TestPositionFallsBackToModem(t *testing.T) {
	r := &scriptRunner{replies: map[string]string{
		"gpsctl -s":              "0\n",
		"gsmctl -A AT+QGPSLOC=2": "+QGPSLOC: 093021.0,59.32932,18.06858,1.2,31.0,3,182.50,18.0,9.7,230324,07\nOK\n",
	}}
	b := NewBackend(r, nil, nil, testLogger())

	fix, err := b.PositionWithFallback(context.Background(), time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 59.32932, fix.Latitude, 1e-9)
	assert.InDelta(t, 6.0, fix.Accuracy, 1e-9)
	assert.Equal(t, 7, fix.Satellites)
	assert.Equal(t, gps.Fix3D, fix.FixType)
	assert.InDelta(t, 5.0, fix.Speed, 1e-9)
	assert.Equal(t, time.Date(2024, 3, 23, 9, 30, 21, 0, time.UTC), fix.Timestamp)
}

func TestPositionUsesLastKnown(t *testing.T) {
	last := &gps.PositionFix{Latitude: 59.1, Longitude: 18.1, Accuracy: 20, Provider: gps.ProviderNativeGNSS, Timestamp: time.Now().Add(-time.Hour)}
	r := &scriptRunner{replies: map[string]string{
		"gpsctl -s":              "0\n",
		"gsmctl -A AT+QGPSLOC=2": "+CME ERROR: 516\n",
	}}
	b := NewBackend(r, nil, staticLastKnown{fix: last}, testLogger())

	fix, err := b.PositionWithFallback(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, fix.LastKnown)
	assert.Equal(t, gps.ProviderStandardFallback, fix.Provider)
	assert.Equal(t, 59.1, fix.Latitude)
}

func TestPositionRejectsStaleLastKnown(t *testing.T) {
	last := &gps.PositionFix{Latitude: 59.1, Longitude: 18.1, Timestamp: time.Now().Add(-48 * time.Hour)}
	config := DefaultConfig()
	config.UseATFallback = false
	b := NewBackend(&scriptRunner{}, config, staticLastKnown{fix: last}, testLogger())

	_, err := b.PositionWithFallback(context.Background(), time.Second)
	assert.Error(t, err)
}

func TestAvailable(t *testing.T) {
	ok, err := NewBackend(&scriptRunner{replies: gpsctlReplies()}, nil, nil, testLogger()).Available(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	config := DefaultConfig()
	config.UseATFallback = false
	ok, err = NewBackend(&scriptRunner{}, config, nil, testLogger()).Available(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	last := staticLastKnown{fix: &gps.PositionFix{Latitude: 1, Longitude: 1, Timestamp: time.Now()}}
	ok, _ = NewBackend(&scriptRunner{}, config, last, testLogger()).Available(context.Background())
	assert.True(t, ok)
}

func TestParseQGPSLOCRejects(t *testing.T) {
	now := time.Now()
	_, err := parseQGPSLOC("+QGPSLOC: 093021.0,0.0,0.0,1.2,31.0,3,0,0,0,230324,07", 5, now)
	assert.ErrorIs(t, err, gps.ErrMalformedPayload)

	_, err = parseQGPSLOC("+QGPSLOC: 093021.0,59.3", 5, now)
	assert.ErrorIs(t, err, gps.ErrMalformedPayload)

	_, err = parseQGPSLOC("ERROR", 5, now)
	assert.Error(t, err)
}
