package mqtt

import (
	"github.com/markus-lassfolk/locationd/pkg/gps"
	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// EventPublisher republishes coordinator events. Position updates also
// refresh a retained <prefix>/location topic so late subscribers see the
// current fix.
type EventPublisher struct {
	transport Transport
	logger    *logx.Logger
}

func NewEventPublisher(transport Transport, logger *logx.Logger) *EventPublisher {
	return &EventPublisher{transport: transport, logger: logger}
}

// Run forwards events until the channel closes
func (p *EventPublisher) Run(events <-chan gps.Event) {
	for ev := range events {
		p.Publish(ev)
	}
}

// Publish sends one event. Failures are logged; a broker outage must not
// stall the coordinator's subscribers.
func (p *EventPublisher) Publish(ev gps.Event) {
	if !p.transport.IsConnected() {
		return
	}

	body := map[string]interface{}{
		"type":      ev.Type,
		"session":   ev.Session,
		"provider":  ev.Provider,
		"timestamp": ev.Timestamp,
	}
	if ev.Fix != nil {
		body["fix"] = ev.Fix
	}
	if ev.Status != nil {
		body["status"] = map[string]interface{}{
			"fix_type": ev.Status.FixType.String(),
			"in_view":  ev.Status.InView,
			"in_use":   ev.Status.InUse,
			"avg_snr":  ev.Status.AvgSNR,
		}
	}
	if ev.Reason != "" {
		body["reason"] = ev.Reason
	}
	if ev.FinalAccuracy > 0 {
		body["final_accuracy"] = ev.FinalAccuracy
	}
	if ev.Err != nil {
		body["error"] = ev.Err.Error()
	}

	if err := p.transport.PublishJSON(p.transport.Topic("events", ev.Type.String()), body, false); err != nil {
		p.logger.Warn("mqtt_event_publish_failed", "type", ev.Type.String(), "error", err)
		return
	}

	if ev.Fix != nil && (ev.Type == gps.EventPositionUpdate || ev.Type == gps.EventServiceCompleted) {
		if err := p.transport.PublishJSON(p.transport.Topic("location"), ev.Fix, true); err != nil {
			p.logger.Warn("mqtt_location_publish_failed", "error", err)
		}
	}
}
