package nmea

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	serial "github.com/jacobsa/go-serial/serial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/locationd/pkg/gps"
	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// sentence frames body with '$' and its XOR checksum
func sentence(body string) string {
	var cs byte
	for i := 0; i < len(body); i++ {
		cs ^= body[i]
	}
	return fmt.Sprintf("$%s*%02X", body, cs)
}

var epoch = []string{
	sentence("GPRMC,123519.00,A,4807.038,N,01131.000,E,022.4,084.4,230324,003.1,W"),
	sentence("GPGSA,A,3,04,05,,09,12,,,24,,,,,2.5,1.3,2.1"),
	sentence("GPGSV,2,1,08,04,40,083,46,05,17,308,41,09,07,344,39,12,22,228,45"),
	sentence("GPGSV,2,2,08,24,60,120,48,30,10,050,,31,05,200,20,32,01,010,"),
	sentence("GPGGA,123519.00,4807.038,N,01131.000,E,1,05,1.3,545.4,M,46.9,M,,"),
}

func testLogger() *logx.Logger {
	return logx.NewLogger("error", "test")
}

func feedAll(t *testing.T, a *assembler, lines []string, now time.Time) []gps.NativeMessage {
	t.Helper()
	var out []gps.NativeMessage
	for _, l := range lines {
		msgs, err := a.feed(l, now)
		require.NoError(t, err, l)
		out = append(out, msgs...)
	}
	return out
}

func TestAssemblerEpoch(t *testing.T) {
	a := newAssembler(5.0)
	msgs := feedAll(t, a, epoch, time.Now())
	require.Len(t, msgs, 2)

	status := msgs[0]
	assert.Equal(t, gps.NativeSatelliteStatus, status.Type)
	sats := status.Payload["satellites"].([]interface{})
	assert.Len(t, sats, 8)
	used := 0
	for _, s := range sats {
		if s.(map[string]interface{})["usedInFix"].(bool) {
			used++
		}
	}
	assert.Equal(t, 5, used)
	assert.InDelta(t, 6.5, status.Payload["accuracy"], 1e-9)

	loc := msgs[1]
	assert.Equal(t, gps.NativeLocationUpdate, loc.Type)
	assert.InDelta(t, 48.1173, loc.Payload["latitude"], 1e-4)
	assert.InDelta(t, 11.516667, loc.Payload["longitude"], 1e-4)
	assert.Equal(t, 5.0, loc.Payload["satellitesInUse"])
	assert.Equal(t, 3.0, loc.Payload["fixType"])
	assert.InDelta(t, 22.4*knotsToMPS, loc.Payload["speed"], 1e-6)

	want := time.Date(2024, 3, 23, 12, 35, 19, 0, time.UTC)
	assert.Equal(t, float64(want.UnixMilli()), loc.Payload["timestamp"])
}

// gsa builds a GSA body with the 12 satellite fields padded out
func gsa(talker string, system string, svs ...string) string {
	fields := make([]string, 12)
	copy(fields, svs)
	body := talker + "GSA,A,3," + strings.Join(fields, ",") + ",2.5,1.3,2.1"
	if system != "" {
		body += "," + system
	}
	return sentence(body)
}

func usedByConstellation(t *testing.T, msg gps.NativeMessage) map[string]int {
	t.Helper()
	require.Equal(t, gps.NativeSatelliteStatus, msg.Type)
	out := make(map[string]int)
	for _, s := range msg.Payload["satellites"].([]interface{}) {
		sat := s.(map[string]interface{})
		if sat["usedInFix"].(bool) {
			out[sat["constellation"].(string)]++
		}
	}
	return out
}

func TestAssemblerMixedConstellations(t *testing.T) {
	gpsView := sentence("GPGSV,1,1,02,04,40,083,46,05,17,308,41")
	galileoView := sentence("GAGSV,1,1,02,04,30,100,38,05,25,200,40")
	gga := epoch[len(epoch)-1]

	tests := []struct {
		name string
		gsa  []string
		want map[string]int
	}{
		{
			name: "talker per constellation",
			gsa:  []string{gsa("GP", "", "04", "05")},
			want: map[string]int{"GPS": 2},
		},
		{
			name: "combined with system id",
			gsa:  []string{gsa("GN", "1", "04", "05"), gsa("GN", "3", "05")},
			want: map[string]int{"GPS": 2, "GALILEO": 1},
		},
		{
			name: "combined without system id",
			gsa:  []string{gsa("GN", "", "04", "05")},
			want: map[string]int{"GPS": 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAssembler(5.0)
			lines := append(append([]string{}, tt.gsa...), gpsView, galileoView, gga)
			msgs := feedAll(t, a, lines, time.Now())
			require.Len(t, msgs, 3)

			last := msgs[1]
			assert.Len(t, last.Payload["satellites"], 4)
			assert.Equal(t, tt.want, usedByConstellation(t, last))
		})
	}
}

func TestAssemblerIgnoresInvalidQuality(t *testing.T) {
	a := newAssembler(5.0)
	msgs, err := a.feed(sentence("GPGGA,123519.00,,,,,0,00,99.9,,M,,M,,"), time.Now())
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAssemblerRejectsBadChecksum(t *testing.T) {
	a := newAssembler(5.0)
	_, err := a.feed("$GPGGA,123519.00,4807.038,N,01131.000,E,1,05,1.3,545.4,M,46.9,M,,*00", time.Now())
	assert.Error(t, err)
}

func TestAssemblerTimeToFirstFix(t *testing.T) {
	a := newAssembler(5.0)
	start := time.Now()
	a.restart(start)

	gga := epoch[len(epoch)-1]
	first := feedAll(t, a, []string{gga}, start.Add(3*time.Second))
	require.Len(t, first, 2)
	assert.Equal(t, gps.NativeFirstFix, first[1].Type)
	assert.Equal(t, 3000.0, first[1].Payload["ttffMillis"])

	second := feedAll(t, a, []string{gga}, start.Add(4*time.Second))
	assert.Len(t, second, 1)
}

type pipePort struct {
	*io.PipeReader
}

func (pipePort) Write(b []byte) (int, error) { return len(b), nil }

func TestReceiverThroughNativeSource(t *testing.T) {
	pr, pw := io.Pipe()
	rx := NewReceiver(DefaultConfig(), testLogger())
	rx.open = func(serial.OpenOptions) (io.ReadWriteCloser, error) { return pipePort{pr}, nil }
	defer rx.Close()

	src := gps.NewNativeSource("nmea", rx, testLogger())
	defer src.Close()

	ok, err := src.Initialize(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	events, unsubscribe := src.Subscribe()
	defer unsubscribe()
	started, err := src.StartTracking(context.Background(), gps.TrackingConfig{Interval: time.Second})
	require.NoError(t, err)
	require.True(t, started)

	go func() {
		for _, l := range epoch {
			_, _ = io.WriteString(pw, l+"\r\n")
		}
	}()

	var status *gps.GnssStatus
	var fix *gps.PositionFix
	timeout := time.After(2 * time.Second)
	for fix == nil {
		select {
		case ev := <-events:
			switch ev.Kind {
			case gps.SourceStatus:
				status = ev.Status
			case gps.SourceFix:
				fix = ev.Fix
			}
		case <-timeout:
			t.Fatal("no fix from receiver")
		}
	}

	require.NotNil(t, status)
	assert.Equal(t, 8, status.InView)
	assert.Equal(t, 5, status.InUse)
	assert.Equal(t, gps.Fix3D, status.FixType)

	assert.Equal(t, gps.ProviderNativeGNSS, fix.Provider)
	assert.Equal(t, 5, fix.Satellites)
	assert.InDelta(t, 6.5, fix.Accuracy, 1e-9)

	raw, err := rx.CurrentStatus(context.Background())
	require.NoError(t, err)
	assert.Len(t, raw["satellites"], 8)
}

func TestReceiverUnavailablePort(t *testing.T) {
	rx := NewReceiver(DefaultConfig(), testLogger())
	rx.open = func(serial.OpenOptions) (io.ReadWriteCloser, error) {
		return nil, errors.New("no such file or directory")
	}
	ok, err := rx.Initialize(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	started, err := rx.StartTracking(context.Background(), time.Second, true)
	require.NoError(t, err)
	assert.False(t, started)
}

func TestReceiverReportsReadFailure(t *testing.T) {
	pr, pw := io.Pipe()
	rx := NewReceiver(DefaultConfig(), testLogger())
	rx.open = func(serial.OpenOptions) (io.ReadWriteCloser, error) { return pipePort{pr}, nil }

	ok, err := rx.Initialize(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	pw.CloseWithError(errors.New("device unplugged"))

	select {
	case msg := <-rx.Messages():
		assert.Equal(t, gps.NativeError, msg.Type)
		assert.Equal(t, true, msg.Payload["fatal"])
	case <-time.After(time.Second):
		t.Fatal("read failure not reported")
	}

	// The port can be reopened after a failure
	rx.open = func(serial.OpenOptions) (io.ReadWriteCloser, error) {
		r, _ := io.Pipe()
		return pipePort{r}, nil
	}
	ok, err = rx.Initialize(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReceiverRecoversThroughNativeSource(t *testing.T) {
	pr, pw := io.Pipe()
	rx := NewReceiver(DefaultConfig(), testLogger())
	rx.open = func(serial.OpenOptions) (io.ReadWriteCloser, error) { return pipePort{pr}, nil }
	defer rx.Close()

	src := gps.NewNativeSource("nmea", rx, testLogger())
	defer src.Close()
	ctx := context.Background()

	ok, err := src.Initialize(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	events, unsubscribe := src.Subscribe()
	defer unsubscribe()
	started, err := src.StartTracking(ctx, gps.TrackingConfig{Interval: time.Second})
	require.NoError(t, err)
	require.True(t, started)

	pw.CloseWithError(errors.New("device unplugged"))
	select {
	case ev := <-events:
		require.Equal(t, gps.SourceError, ev.Kind)
		require.True(t, ev.Fatal)
	case <-time.After(time.Second):
		t.Fatal("read failure not reported")
	}
	require.NoError(t, src.StopTracking(ctx))

	// The device comes back on the same port
	pr2, pw2 := io.Pipe()
	defer pw2.Close()
	rx.mu.Lock()
	rx.open = func(serial.OpenOptions) (io.ReadWriteCloser, error) { return pipePort{pr2}, nil }
	rx.mu.Unlock()

	ok, err = src.Initialize(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	started, err = src.StartTracking(ctx, gps.TrackingConfig{Interval: time.Second})
	require.NoError(t, err)
	require.True(t, started, "tracking starts again once the port reopens")

	go func() {
		for _, l := range epoch {
			_, _ = io.WriteString(pw2, l+"\r\n")
		}
	}()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == gps.SourceFix {
				assert.Equal(t, 5, ev.Fix.Satellites)
				return
			}
		case <-timeout:
			t.Fatal("no fix after reopening")
		}
	}
}
