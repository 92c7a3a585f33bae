package google

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"googlemaps.github.io/maps"

	"github.com/markus-lassfolk/locationd/pkg/cellular"
	"github.com/markus-lassfolk/locationd/pkg/ubus"
)

// Scan is what the router can currently see of its radio environment
type Scan struct {
	AccessPoints []maps.WiFiAccessPoint
	CellTowers   []maps.CellTower
	RadioType    maps.RadioType
}

// Signature identifies the environment independent of signal levels. Two
// scans with the same signature are assumed to be from the same place.
func (s *Scan) Signature() string {
	keys := make([]string, 0, len(s.AccessPoints)+len(s.CellTowers))
	for _, ap := range s.AccessPoints {
		keys = append(keys, strings.ToLower(ap.MACAddress))
	}
	for _, c := range s.CellTowers {
		keys = append(keys, fmt.Sprintf("%d-%d-%d-%d", c.MobileCountryCode, c.MobileNetworkCode, c.LocationAreaCode, c.CellID))
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

// Scanner collects WiFi and cellular observations
type Scanner interface {
	Scan(ctx context.Context) (*Scan, error)
}

// RouterScanner scans WiFi through ubus iwinfo and the serving cell through
// the modem's AT interface
type RouterScanner struct {
	ubus       *ubus.Client
	wifiDevice string
	cellular   bool
}

func NewRouterScanner(client *ubus.Client, wifiDevice string, cellular bool) *RouterScanner {
	if wifiDevice == "" {
		wifiDevice = "wlan0"
	}
	return &RouterScanner{ubus: client, wifiDevice: wifiDevice, cellular: cellular}
}

type iwinfoScan struct {
	Results []struct {
		SSID    string `json:"ssid"`
		BSSID   string `json:"bssid"`
		Signal  int    `json:"signal"`
		Channel int    `json:"channel"`
	} `json:"results"`
}

func (s *RouterScanner) Scan(ctx context.Context) (*Scan, error) {
	var reply iwinfoScan
	wifiErr := s.ubus.Call(ctx, "iwinfo", "scan", map[string]string{"device": s.wifiDevice}, &reply)

	scan := &Scan{}
	for _, r := range reply.Results {
		// Locally administered or hidden networks are useless to the API
		if r.BSSID == "" || strings.HasSuffix(r.SSID, "_nomap") {
			continue
		}
		scan.AccessPoints = append(scan.AccessPoints, maps.WiFiAccessPoint{
			MACAddress:     r.BSSID,
			SignalStrength: float64(r.Signal),
			Channel:        r.Channel,
		})
	}

	if s.cellular {
		if cell, err := cellular.ReadServingCell(ctx, s.ubus.Runner()); err == nil {
			scan.CellTowers = append(scan.CellTowers, maps.CellTower{
				CellID:            cell.CellID,
				LocationAreaCode:  cell.TAC,
				MobileCountryCode: cell.MCC,
				MobileNetworkCode: cell.MNC,
				SignalStrength:    cell.RSRP,
			})
			scan.RadioType = maps.RadioType("lte")
		}
	}

	if wifiErr != nil && len(scan.CellTowers) == 0 {
		return nil, wifiErr
	}
	return scan, nil
}
