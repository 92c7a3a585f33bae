package nmea

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	serial "github.com/jacobsa/go-serial/serial"

	"github.com/markus-lassfolk/locationd/pkg/gps"
	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// Config describes the serial NMEA port of the modem or GNSS module
type Config struct {
	Port     string  `json:"port"`
	BaudRate uint    `json:"baud_rate"`
	UERE     float64 `json:"uere"` // Meters of horizontal error per unit of HDOP
}

func DefaultConfig() *Config {
	return &Config{
		Port:     "/dev/ttyUSB1",
		BaudRate: 9600,
		UERE:     5.0,
	}
}

type opener func(serial.OpenOptions) (io.ReadWriteCloser, error)

// Receiver is a gps.NativeBackend reading NMEA 0183 from a serial port.
// The receiver streams continuously once the port is open; tracking only
// gates what is forwarded.
type Receiver struct {
	config *Config
	logger *logx.Logger
	open   opener

	messages chan gps.NativeMessage

	mu         sync.Mutex
	port       io.ReadWriteCloser
	asm        *assembler
	tracking   bool
	lastStatus map[string]interface{}
	talkers    map[string]bool
}

func NewReceiver(config *Config, logger *logx.Logger) *Receiver {
	if config == nil {
		config = DefaultConfig()
	}
	return &Receiver{
		config:   config,
		logger:   logger.With("port", config.Port),
		open:     serial.Open,
		messages: make(chan gps.NativeMessage, 64),
		asm:      newAssembler(config.UERE),
		talkers:  make(map[string]bool),
	}
}

// Initialize opens the port. A missing or busy port means the receiver is
// unavailable, not an error.
func (r *Receiver) Initialize(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.port != nil {
		return true, nil
	}

	port, err := r.open(serial.OpenOptions{
		PortName:              r.config.Port,
		BaudRate:              r.config.BaudRate,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	})
	if err != nil {
		r.logger.Warn("nmea_port_unavailable", "error", err)
		return false, nil
	}

	r.port = port
	r.logger.Info("nmea_port_opened", "baud_rate", r.config.BaudRate)
	go r.readLoop(port)
	return true, nil
}

func (r *Receiver) StartTracking(ctx context.Context, interval time.Duration, highAccuracy bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.port == nil {
		return false, nil
	}
	if !r.tracking {
		r.tracking = true
		r.asm.restart(time.Now())
	}
	return true, nil
}

func (r *Receiver) StopTracking(ctx context.Context) error {
	r.mu.Lock()
	r.tracking = false
	r.mu.Unlock()
	return nil
}

func (r *Receiver) Capabilities(ctx context.Context) (map[string]interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	talkers := make([]interface{}, 0, len(r.talkers))
	for t := range r.talkers {
		talkers = append(talkers, t)
	}
	return map[string]interface{}{
		"port":      r.config.Port,
		"baud_rate": r.config.BaudRate,
		"talkers":   talkers,
	}, nil
}

func (r *Receiver) CurrentStatus(ctx context.Context) (map[string]interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastStatus == nil {
		return nil, errors.New("no GSV cycle received yet")
	}
	return r.lastStatus, nil
}

func (r *Receiver) Messages() <-chan gps.NativeMessage {
	return r.messages
}

// Close releases the serial port
func (r *Receiver) Close() error {
	r.mu.Lock()
	port := r.port
	r.port = nil
	r.mu.Unlock()
	if port == nil {
		return nil
	}
	return port.Close()
}

func (r *Receiver) readLoop(port io.ReadWriteCloser) {
	reader := bufio.NewReader(port)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			r.mu.Lock()
			current := r.port == port
			if current {
				r.port = nil
			}
			r.mu.Unlock()
			if current {
				r.logger.Error("nmea_read_failed", "error", err)
				r.send(gps.NativeMessage{Type: gps.NativeError, Payload: map[string]interface{}{
					"message": "nmea read: " + err.Error(),
					"fatal":   true,
				}})
			}
			return
		}
		r.handleLine(line, time.Now())
	}
}

func (r *Receiver) handleLine(line string, now time.Time) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return
	}

	r.mu.Lock()
	msgs, err := r.asm.feed(line, now)
	if err == nil && len(line) > 3 {
		r.talkers[line[1:3]] = true
	}
	for _, m := range msgs {
		if m.Type == gps.NativeSatelliteStatus {
			r.lastStatus = m.Payload
		}
	}
	tracking := r.tracking
	r.mu.Unlock()

	if err != nil {
		// Partial lines are normal right after the port opens
		gps.CountMalformed("nmea")
		r.logger.Trace("nmea_parse_failed", "line", line, "error", err)
		return
	}
	if !tracking {
		return
	}
	for _, m := range msgs {
		r.send(m)
	}
}

func (r *Receiver) send(msg gps.NativeMessage) {
	select {
	case r.messages <- msg:
	default:
		r.logger.Warn("nmea_queue_full", "type", msg.Type)
	}
}
