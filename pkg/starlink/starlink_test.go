package starlink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/locationd/pkg/gps"
	"github.com/markus-lassfolk/locationd/pkg/logx"
)

type cannedCaller map[APIMethod]string

func (c cannedCaller) CallMethod(ctx context.Context, method APIMethod) (string, error) {
	if out, ok := c[method]; ok {
		return out, nil
	}
	return "", errors.New("rpc error: code = PermissionDenied")
}

const locationJSON = `{"apiVersion":"12","getLocation":{"lla":{"lat":59.3293,"lon":18.0686,"alt":31.5},"sigmaM":4.2,"source":"GNC_FUSED","horizontalSpeedMps":0.1}}`

func TestLocateWithStatus(t *testing.T) {
	caller := cannedCaller{
		MethodGetLocation: locationJSON,
		MethodGetStatus:   `{"dishGetStatus":{"gpsStats":{"gpsValid":true,"gpsSats":13}}}`,
	}
	fix, err := NewLocator(caller, logx.NewLogger("error", "test")).Locate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gps.ProviderFusedNetwork, fix.Provider)
	assert.InDelta(t, 59.3293, fix.Latitude, 1e-9)
	assert.Equal(t, 4.2, fix.Accuracy)
	assert.Equal(t, 31.5, fix.Altitude)
	assert.Equal(t, 13, fix.Satellites)
	assert.Equal(t, gps.Fix3D, fix.FixType)
}

func TestLocateWithoutStatus(t *testing.T) {
	fix, err := NewLocator(cannedCaller{MethodGetLocation: locationJSON}, logx.NewLogger("error", "test")).Locate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fix.Satellites)
}

func TestLocateLocationDisabled(t *testing.T) {
	_, err := NewLocator(cannedCaller{}, logx.NewLogger("error", "test")).Locate(context.Background())
	assert.Error(t, err)
}

func TestParseLocationRejectsEmpty(t *testing.T) {
	now := time.Now()
	_, err := parseLocation(`{"getLocation":{}}`, now)
	assert.ErrorIs(t, err, gps.ErrMalformedPayload)

	_, err = parseLocation(`{"getLocation":{"lla":{"lat":1,"lon":2}}}`, now)
	assert.ErrorIs(t, err, gps.ErrMalformedPayload)

	_, err = parseLocation(`not json`, now)
	assert.ErrorIs(t, err, gps.ErrMalformedPayload)
}

func TestClientAddress(t *testing.T) {
	c := NewClient(nil, logx.NewLogger("error", "test"))
	assert.Equal(t, "192.168.100.1:9200", c.Address())
}
