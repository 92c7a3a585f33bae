package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/markus-lassfolk/locationd/pkg/gps"
	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// NativeBridge is a gps.NativeBackend whose receiver lives on the other side
// of an MQTT broker. The receiver publishes raw events under
// <prefix>/native/event/<type> and listens for commands on <prefix>/native/cmd.
type NativeBridge struct {
	transport Transport
	logger    *logx.Logger
	messages  chan gps.NativeMessage

	mu           sync.Mutex
	subscribed   bool
	capabilities map[string]interface{}
	lastStatus   map[string]interface{}
}

type command struct {
	Action       string `json:"action"`
	IntervalMS   int64  `json:"interval_ms,omitempty"`
	HighAccuracy bool   `json:"high_accuracy,omitempty"`
}

func NewNativeBridge(transport Transport, logger *logx.Logger) *NativeBridge {
	return &NativeBridge{
		transport: transport,
		logger:    logger,
		messages:  make(chan gps.NativeMessage, 64),
	}
}

func (b *NativeBridge) Initialize(ctx context.Context) (bool, error) {
	if !b.transport.IsConnected() {
		return false, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribed {
		return true, nil
	}

	if err := b.transport.Subscribe(b.transport.Topic("native", "event", "+"), b.handleEvent); err != nil {
		return false, err
	}
	if err := b.transport.Subscribe(b.transport.Topic("native", "capabilities"), b.handleCapabilities); err != nil {
		return false, err
	}
	b.subscribed = true
	return true, nil
}

func (b *NativeBridge) StartTracking(ctx context.Context, interval time.Duration, highAccuracy bool) (bool, error) {
	cmd := command{Action: "start", IntervalMS: interval.Milliseconds(), HighAccuracy: highAccuracy}
	if err := b.transport.PublishJSON(b.transport.Topic("native", "cmd"), cmd, false); err != nil {
		b.logger.Warn("native_bridge_start_failed", "error", err)
		return false, nil
	}
	return true, nil
}

func (b *NativeBridge) StopTracking(ctx context.Context) error {
	return b.transport.PublishJSON(b.transport.Topic("native", "cmd"), command{Action: "stop"}, false)
}

func (b *NativeBridge) Capabilities(ctx context.Context) (map[string]interface{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.capabilities == nil {
		return map[string]interface{}{}, nil
	}
	return copyMap(b.capabilities), nil
}

// CurrentStatus returns the last satellite status relayed by the receiver
func (b *NativeBridge) CurrentStatus(ctx context.Context) (map[string]interface{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastStatus == nil {
		return nil, errors.New("no satellite status received yet")
	}
	return copyMap(b.lastStatus), nil
}

func (b *NativeBridge) Messages() <-chan gps.NativeMessage {
	return b.messages
}

func (b *NativeBridge) handleEvent(topic string, data []byte) {
	eventType := topic[strings.LastIndex(topic, "/")+1:]

	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		gps.CountMalformed("mqtt")
		b.logger.Warn("native_bridge_bad_json", "topic", topic, "error", err)
		return
	}

	if eventType == gps.NativeSatelliteStatus {
		b.mu.Lock()
		b.lastStatus = body
		b.mu.Unlock()
	}

	select {
	case b.messages <- gps.NativeMessage{Type: eventType, Payload: body}:
	default:
		b.logger.Warn("native_bridge_queue_full", "type", eventType)
	}
}

func (b *NativeBridge) handleCapabilities(topic string, data []byte) {
	var caps map[string]interface{}
	if err := json.Unmarshal(data, &caps); err != nil {
		gps.CountMalformed("mqtt")
		return
	}
	b.mu.Lock()
	b.capabilities = caps
	b.mu.Unlock()
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
