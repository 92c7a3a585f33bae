package cellular

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/markus-lassfolk/locationd/pkg/ubus"
)

// ServingCell identifies the cell the modem is camped on
type ServingCell struct {
	Radio  string `json:"radio"`
	MCC    int    `json:"mcc"`
	MNC    int    `json:"mnc"`
	TAC    int    `json:"tac"`
	CellID int    `json:"cellid"`
	RSRP   int    `json:"rsrp,omitempty"` // dBm, 0 when unknown
}

// Key identifies the cell independent of signal level
func (c ServingCell) Key() string {
	return fmt.Sprintf("%s-%d-%d-%d-%d", c.Radio, c.MCC, c.MNC, c.TAC, c.CellID)
}

var ErrNoServingCell = errors.New("no LTE serving cell reported")

// ReadServingCell asks a Quectel modem for its serving cell
func ReadServingCell(ctx context.Context, runner ubus.Runner) (*ServingCell, error) {
	out, err := runner.Run(ctx, "gsmctl", "-A", `AT+QENG="servingcell"`)
	if err != nil {
		return nil, fmt.Errorf("serving cell query: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if cell := ParseServingCell(line); cell != nil {
			return cell, nil
		}
	}
	return nil, ErrNoServingCell
}

// ParseServingCell reads an LTE serving cell line:
//
//	+QENG: "servingcell","NOCONN","LTE","FDD",240,01,1A2D003,123,6300,20,5,5,A1B,-95,-11,-65,12,-
func ParseServingCell(line string) *ServingCell {
	if !strings.Contains(line, "+QENG:") || !strings.Contains(line, `"LTE"`) {
		return nil
	}
	parts := strings.Split(line, ",")
	if len(parts) < 13 {
		return nil
	}
	field := func(i int) string { return strings.Trim(strings.TrimSpace(parts[i]), `"`) }

	mcc, err := strconv.Atoi(field(4))
	if err != nil {
		return nil
	}
	mnc, err := strconv.Atoi(field(5))
	if err != nil {
		return nil
	}
	cellID, err := strconv.ParseInt(field(6), 16, 64)
	if err != nil || cellID <= 0 || cellID > int64(^uint32(0)>>1) {
		return nil
	}
	tac, err := strconv.ParseInt(field(12), 16, 64)
	if err != nil {
		return nil
	}

	cell := &ServingCell{
		Radio:  "LTE",
		MCC:    mcc,
		MNC:    mnc,
		TAC:    int(tac),
		CellID: int(cellID),
	}
	if len(parts) > 13 {
		if rsrp, err := strconv.Atoi(field(13)); err == nil {
			cell.RSRP = rsrp
		}
	}
	return cell
}
