package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/locationd/pkg/gps"
	"github.com/markus-lassfolk/locationd/pkg/journal"
	"github.com/markus-lassfolk/locationd/pkg/logx"
)

type fakeService struct {
	fix      *gps.PositionFix
	history  []gps.PositionFix
	events   chan gps.Event
	oneShot  *gps.PositionFix
	oneErr   error
	gotHints gps.QualityHints
}

func (f *fakeService) State() gps.State {
	return gps.State{Kind: gps.StateTracking, Provider: gps.ProviderNativeGNSS}
}
func (f *fakeService) IsTracking() bool { return true }
func (f *fakeService) CurrentProvider() (gps.Provider, bool) {
	return gps.ProviderNativeGNSS, true
}
func (f *fakeService) CurrentFix() *gps.PositionFix   { return f.fix }
func (f *fakeService) LastStatus() *gps.GnssStatus    { return &gps.GnssStatus{InView: 9, InUse: 6} }
func (f *fakeService) History() []gps.PositionFix     { return f.history }
func (f *fakeService) BestAccuracy() (float64, bool)  { return 4.5, true }
func (f *fakeService) AccuracyTrend() (float64, bool) { return 0, false }
func (f *fakeService) LastSwitch() (string, time.Time) {
	return "timeout", time.Date(2024, 3, 23, 12, 0, 0, 0, time.UTC)
}
func (f *fakeService) TTFF() time.Duration { return 1500 * time.Millisecond }
func (f *fakeService) Subscribe() (<-chan gps.Event, func()) {
	return f.events, func() {}
}
func (f *fakeService) GetCurrentPosition(_ context.Context, _ time.Duration, hints gps.QualityHints) (*gps.PositionFix, error) {
	f.gotHints = hints
	return f.oneShot, f.oneErr
}

type fakeJournal struct{}

func (fakeJournal) Session(id string) ([]journal.Entry, error) {
	if id != "abc" {
		return nil, nil
	}
	return []journal.Entry{{Session: "abc", Type: "tracking_started"}}, nil
}

func (fakeJournal) Sessions(limit int) ([]journal.SessionSummary, error) {
	return []journal.SessionSummary{{Session: "abc", Outcome: "service_completed"}}, nil
}

func testFix() *gps.PositionFix {
	return &gps.PositionFix{
		Latitude: 59.3293, Longitude: 18.0686, Altitude: 28, Accuracy: 4.5,
		Speed: 10, Satellites: 7, FixType: gps.Fix3D, Provider: gps.ProviderNativeGNSS,
		Timestamp: time.Date(2024, 3, 23, 12, 0, 0, 0, time.UTC),
	}
}

func newTestServer(svc *fakeService, token string) *httptest.Server {
	cfg := DefaultConfig()
	cfg.AuthToken = token
	s := NewServer(svc, fakeJournal{}, cfg, logx.NewLogger("error", "test"))
	return httptest.NewServer(s.Handler())
}

func get(t *testing.T, url string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCurrentAndHistory(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(svc, "")
	defer ts.Close()

	resp := get(t, ts.URL+"/api/location/current", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	svc.fix = testFix()
	resp = get(t, ts.URL+"/api/location/current", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fix gps.PositionFix
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fix))
	assert.Equal(t, 59.3293, fix.Latitude)
	assert.Equal(t, gps.ProviderNativeGNSS, fix.Provider)

	resp = get(t, ts.URL+"/api/location/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []gps.PositionFix
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	assert.Empty(t, history)
	assert.NotNil(t, history)
}

func TestCurrentRefresh(t *testing.T) {
	svc := &fakeService{oneShot: testFix()}
	ts := newTestServer(svc, "")
	defer ts.Close()

	resp := get(t, ts.URL+"/api/location/current?refresh=1&timeout=5s&max_accuracy=20", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 20.0, svc.gotHints.MaxAccuracy)

	svc.oneShot, svc.oneErr = nil, gps.ErrSessionActive
	resp = get(t, ts.URL+"/api/location/current?refresh=1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	svc.oneErr = gps.ErrNoFixAcquired
	resp = get(t, ts.URL+"/api/location/current?refresh=1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = get(t, ts.URL+"/api/location/current?refresh=1&timeout=soon", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestState(t *testing.T) {
	ts := newTestServer(&fakeService{}, "")
	defer ts.Close()

	resp := get(t, ts.URL+"/api/location/state", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state StateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, "tracking(nativeGnss)", state.State)
	assert.Equal(t, "nativeGnss", state.Provider)
	require.NotNil(t, state.BestAccuracy)
	assert.Equal(t, 4.5, *state.BestAccuracy)
	assert.Nil(t, state.AccuracyTrend)
	assert.Equal(t, "timeout", state.LastSwitchReason)
	assert.Equal(t, int64(1500), state.TTFFMillis)
	require.NotNil(t, state.Gnss)
	assert.Equal(t, 6, state.Gnss.InUse)
}

func TestAuth(t *testing.T) {
	ts := newTestServer(&fakeService{fix: testFix()}, "s3cret")
	defer ts.Close()

	assert.Equal(t, http.StatusUnauthorized, get(t, ts.URL+"/api/location/current", nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, get(t, ts.URL+"/api/location/current", map[string]string{"Authorization": "Bearer nope"}).StatusCode)
	assert.Equal(t, http.StatusOK, get(t, ts.URL+"/api/location/current", map[string]string{"Authorization": "Bearer s3cret"}).StatusCode)
	assert.Equal(t, http.StatusOK, get(t, ts.URL+"/api/location/current", map[string]string{"X-API-Key": "s3cret"}).StatusCode)
	assert.Equal(t, http.StatusOK, get(t, ts.URL+"/api/location/current?auth=s3cret", nil).StatusCode)
	assert.Equal(t, http.StatusOK, get(t, ts.URL+"/api/health", nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, get(t, ts.URL+"/metrics", nil).StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(&fakeService{}, "")
	defer ts.Close()

	resp := get(t, ts.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body strings.Builder
	_, err := body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "go_goroutines")
}

func TestSessions(t *testing.T) {
	ts := newTestServer(&fakeService{}, "")
	defer ts.Close()

	resp := get(t, ts.URL+"/api/location/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sessions []journal.SessionSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	require.Len(t, sessions, 1)

	resp = get(t, ts.URL+"/api/location/sessions/abc", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, http.StatusNotFound, get(t, ts.URL+"/api/location/sessions/zzz", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, get(t, ts.URL+"/api/location/sessions?limit=-1", nil).StatusCode)
}

func TestGPSStatusCompat(t *testing.T) {
	ts := newTestServer(&fakeService{fix: testFix()}, "")
	defer ts.Close()

	resp := get(t, ts.URL+"/api/gps/position/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body GPSResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "2", body.Data.FixStatus)
	require.NotNil(t, body.Data.Speed)
	assert.InDelta(t, 36.0, *body.Data.Speed, 1e-9)
	require.NotNil(t, body.Data.Satellites)
	assert.Equal(t, 7, *body.Data.Satellites)
	assert.Equal(t, "2024-03-23T12:00:00Z", body.Data.DateTime)
	assert.Equal(t, "nativeGnss", body.Data.Source)
}

func TestEventsWebsocket(t *testing.T) {
	svc := &fakeService{events: make(chan gps.Event, 2)}
	ts := newTestServer(svc, "")
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/location/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	svc.events <- gps.Event{Type: gps.EventPositionUpdate, Session: "s1", Provider: gps.ProviderFusedNetwork, Fix: testFix()}
	svc.events <- gps.Event{Type: gps.EventFailed, Session: "s1", Err: gps.ErrNoFixAcquired}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first map[string]interface{}
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "position_update", first["type"])
	assert.Equal(t, "fusedNetwork", first["provider"])
	assert.NotNil(t, first["fix"])

	var second map[string]interface{}
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "failed", second["type"])
	assert.Equal(t, gps.ErrNoFixAcquired.Error(), second["error"])

	close(svc.events)
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}
