package gps

import (
	"math"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckGNSS(t *testing.T) {
	criteria := Criteria{MinSatellites: 6, MinSNR: 25, MaxAccuracy: 20}

	status := func(inUse int, snr, acc float64, ft FixType) *GnssStatus {
		return &GnssStatus{
			FixType:  ft,
			InUse:    inUse,
			InView:   inUse + 3,
			AvgSNR:   snr,
			Accuracy: acc,
			Fix:      testFix(ProviderNativeGNSS, acc, inUse),
		}
	}

	tests := []struct {
		name   string
		obs    Observation
		ok     bool
		reason string
	}{
		{"acceptable", Observation{ProviderNativeGNSS, nil, status(8, 32, 5, Fix3D)}, true, ""},
		{"too few satellites", Observation{ProviderNativeGNSS, nil, status(4, 32, 5, Fix3D)}, false, "insufficient satellites (4/6 in use)"},
		{"weak signal", Observation{ProviderNativeGNSS, nil, status(8, 18, 5, Fix3D)}, false, "weak signal"},
		{"no snr", Observation{ProviderNativeGNSS, nil, status(8, 0, 5, Fix3D)}, false, "no signal strength data"},
		{"2d allowed", Observation{ProviderNativeGNSS, nil, status(8, 30, 5, Fix2D)}, true, ""},
		{"dead reckoning rejected", Observation{ProviderNativeGNSS, nil, status(8, 30, 5, FixDeadReckoning)}, false, "fix type dead_reckoning not accepted"},
		{"poor accuracy", Observation{ProviderNativeGNSS, nil, status(8, 30, 35, Fix3D)}, false, "poor accuracy (35.0m > 20.0m)"},
		{"no position", Observation{ProviderNativeGNSS, nil, &GnssStatus{FixType: FixNone, InUse: 9, AvgSNR: 30}}, false, "no position in status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := Check(tt.obs, criteria)
			assert.Equal(t, tt.ok, ok)
			assert.Contains(t, reason, tt.reason)
			assert.Equal(t, tt.ok, IsAcceptable(tt.obs, criteria))
		})
	}
}

func TestCheckGNSSUsesFixWithoutStatus(t *testing.T) {
	c := Criteria{MinSatellites: 4, MaxAccuracy: 50}
	ok, _ := Check(Observation{Provider: ProviderNativeGNSS, Fix: testFix(ProviderNativeGNSS, 12, 5)}, c)
	assert.True(t, ok)

	ok, reason := Check(Observation{Provider: ProviderNativeGNSS, Fix: testFix(ProviderNativeGNSS, 12, 3)}, c)
	assert.False(t, ok)
	assert.Contains(t, reason, "insufficient satellites")
}

func TestCheckNetworkTiersIgnoreSatellites(t *testing.T) {
	c := Criteria{MinSatellites: 10, MaxAccuracy: 100}

	ok, _ := Check(Observation{Provider: ProviderFusedNetwork, Fix: testFix(ProviderFusedNetwork, 80, 0)}, c)
	assert.True(t, ok)

	ok, reason := Check(Observation{Provider: ProviderStandardFallback, Fix: testFix(ProviderStandardFallback, 120, 0)}, c)
	assert.False(t, ok)
	assert.Contains(t, reason, "poor accuracy")

	ok, reason = Check(Observation{Provider: ProviderFusedNetwork, Fix: testFix(ProviderFusedNetwork, 0, 0)}, c)
	assert.False(t, ok)
	assert.Equal(t, "unknown accuracy", reason)

	ok, _ = Check(Observation{Provider: ProviderFusedNetwork}, c)
	assert.False(t, ok)
}

func TestWithHints(t *testing.T) {
	base := Criteria{MinSatellites: 4, MaxAccuracy: 50}

	got := base.withHints(QualityHints{MaxAccuracy: 10, MinSatellites: 7}, true)
	assert.Equal(t, 10.0, got.MaxAccuracy)
	assert.Equal(t, 7, got.MinSatellites)

	got = base.withHints(QualityHints{MinSatellites: 7}, false)
	assert.Equal(t, 4, got.MinSatellites)
	assert.Equal(t, 50.0, got.MaxAccuracy)
}

func TestScoreOrdering(t *testing.T) {
	now := time.Now()
	mk := func(p Provider, sats int, acc float64, age time.Duration) *PositionFix {
		return &PositionFix{Latitude: 1, Longitude: 1, Provider: p, Satellites: sats, Accuracy: acc, Timestamp: now.Add(-age)}
	}

	gnss3 := mk(ProviderNativeGNSS, 3, 45, 0)
	fused := mk(ProviderFusedNetwork, 0, 30, 0)
	gnss6 := mk(ProviderNativeGNSS, 6, 60, 0)
	gnss8 := mk(ProviderNativeGNSS, 8, 70, 0)

	assert.True(t, BetterFix(fused, gnss3), "satellites below the scoring floor do not count")
	assert.True(t, BetterFix(gnss6, fused))
	assert.True(t, BetterFix(gnss8, gnss6))
	assert.False(t, BetterFix(nil, fused))
	assert.True(t, BetterFix(fused, nil))

	older := mk(ProviderFusedNetwork, 0, 30, time.Second)
	assert.True(t, BetterFix(fused, older))

	sameTime := mk(ProviderStandardFallback, 0, 30, 0)
	assert.True(t, BetterFix(fused, sameTime))
	assert.False(t, BetterFix(sameTime, fused))

	unknown := mk(ProviderFusedNetwork, 0, math.NaN(), 0)
	assert.True(t, BetterFix(fused, unknown))
}

func TestScoreSatelliteFloor(t *testing.T) {
	for sats, want := range map[int]int{0: 0, 1: 0, MinScoringSatellites - 1: 0, MinScoringSatellites: MinScoringSatellites, 12: 12} {
		fix := &PositionFix{Latitude: 1, Longitude: 1, Satellites: sats, Accuracy: 10, Timestamp: time.Now()}
		assert.Equal(t, want, Score(fix).Satellites, "%d satellites", sats)
	}
}

func TestScoreIsTotal(t *testing.T) {
	now := time.Now()
	fixes := []*PositionFix{
		{Latitude: 1, Longitude: 1, Provider: ProviderFusedNetwork, Accuracy: 30, Timestamp: now},
		{Latitude: 1, Longitude: 1, Provider: ProviderNativeGNSS, Satellites: 9, Accuracy: 80, Timestamp: now},
		{Latitude: 1, Longitude: 1, Provider: ProviderStandardFallback, Accuracy: 30, Timestamp: now},
		{Latitude: 1, Longitude: 1, Provider: ProviderNativeGNSS, Satellites: 2, Accuracy: 12, Timestamp: now},
	}
	sort.Slice(fixes, func(i, j int) bool { return BetterFix(fixes[i], fixes[j]) })

	assert.Equal(t, 9, fixes[0].Satellites)
	assert.Equal(t, 12.0, fixes[1].Accuracy)
	assert.Equal(t, ProviderFusedNetwork, fixes[2].Provider)
	assert.Equal(t, ProviderStandardFallback, fixes[3].Provider)

	for i := range fixes {
		assert.False(t, BetterFix(fixes[i], fixes[i]))
	}
}
