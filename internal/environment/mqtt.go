package environment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/fpang/ward-safety/internal/store"
)

// DefaultTopic is the subscription filter for room sensors. The single-level
// wildcard is the room ID.
const DefaultTopic = "ward/+/environment"

const defaultConnectTimeout = 5 * time.Second

// MQTTConfig configures the sensor subscription.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // host:port
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`

	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// RoomSource resolves rooms and their stored settings; store.Store
// satisfies it.
type RoomSource interface {
	SettingsSource
	GetRoom(ctx context.Context, id int64) (*store.Room, error)
}

// IngestStats counts ingested readings.
type IngestStats struct {
	Connected bool
	Received  uint64
	Rejected  uint64
	Alerts    uint64
}

// Ingestor subscribes to room sensor readings and reports alerts for values
// outside the room's limits.
type Ingestor struct {
	cfg      MQTTConfig
	rooms    RoomSource
	defaults Defaults
	onAlert  func(Alert)
	client   mqtt.Client

	mu        sync.RWMutex
	connected bool
	received  uint64
	rejected  uint64
	alerts    uint64
}

// NewIngestor creates an ingestor. onAlert runs on the MQTT callback
// goroutine and must not block for long.
func NewIngestor(cfg MQTTConfig, rooms RoomSource, defaults Defaults, onAlert func(Alert)) *Ingestor {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "ward-safety"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	return &Ingestor{cfg: cfg, rooms: rooms, defaults: defaults, onAlert: onAlert}
}

// Connect dials the broker and subscribes. The subscription is restored on
// every reconnect. If the first connection does not succeed within the
// connect timeout, or ctx ends first, the client is shut down and an error
// returned; nothing keeps retrying in the background.
func (in *Ingestor) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", in.cfg.Broker))
	opts.SetClientID(in.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		in.setConnected(true)
		log.Info().
			Str("broker", in.cfg.Broker).
			Str("topic", in.cfg.Topic).
			Msg("MQTT connected")
		token := c.Subscribe(in.cfg.Topic, in.cfg.QoS, func(_ mqtt.Client, m mqtt.Message) {
			in.HandleMessage(context.Background(), m.Topic(), m.Payload())
		})
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Error().Err(token.Error()).Str("topic", in.cfg.Topic).Msg("MQTT subscribe failed")
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		in.setConnected(false)
		log.Warn().Err(err).Str("broker", in.cfg.Broker).Msg("MQTT connection lost, will auto-reconnect")
	}

	in.client = mqtt.NewClient(opts)
	log.Info().Str("broker", in.cfg.Broker).Msg("Connecting to MQTT broker")

	timer := time.NewTimer(in.cfg.ConnectTimeout)
	defer timer.Stop()

	token := in.client.Connect()
	var err error
	select {
	case <-token.Done():
		if err = token.Error(); err == nil {
			return nil
		}
		err = fmt.Errorf("mqtt connection failed: %w", err)
	case <-timer.C:
		err = fmt.Errorf("mqtt connection timeout after %s", in.cfg.ConnectTimeout)
	case <-ctx.Done():
		err = fmt.Errorf("mqtt connect: %w", ctx.Err())
	}
	// Stops the connect-retry loop.
	in.client.Disconnect(0)
	in.setConnected(false)
	return err
}

// HandleMessage processes one sensor payload. The room ID comes from the
// payload, falling back to the topic's wildcard segment.
func (in *Ingestor) HandleMessage(ctx context.Context, topic string, payload []byte) {
	in.mu.Lock()
	in.received++
	in.mu.Unlock()

	var r Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		in.reject(topic, err)
		return
	}
	if r.RoomID == 0 {
		r.RoomID = roomFromTopic(topic)
	}
	if err := r.Validate(); err != nil {
		in.reject(topic, err)
		return
	}

	if _, err := in.rooms.GetRoom(ctx, r.RoomID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			in.reject(topic, fmt.Errorf("room %d not found", r.RoomID))
			return
		}
		log.Error().Err(err).Int64("roomId", r.RoomID).Msg("Failed to look up room")
		return
	}

	alert, ok, err := in.Check(ctx, r)
	if err != nil {
		log.Error().Err(err).Int64("roomId", r.RoomID).Msg("Failed to load monitoring settings")
		return
	}
	if !ok {
		return
	}
	in.mu.Lock()
	in.alerts++
	in.mu.Unlock()
	if in.onAlert != nil {
		in.onAlert(alert)
	}
}

// Check evaluates r against the room's limits.
func (in *Ingestor) Check(ctx context.Context, r Reading) (Alert, bool, error) {
	s, err := SettingsFor(ctx, in.rooms, r.RoomID, in.defaults)
	if err != nil {
		return Alert{}, false, err
	}
	alert, ok := Evaluate(s, r)
	if ok {
		log.Info().
			Int64("roomId", alert.RoomID).
			Str("metric", string(alert.Metric)).
			Float64("value", alert.Value).
			Float64("limit", alert.Limit).
			Str("severity", string(alert.Severity)).
			Msg("Environment limit exceeded")
	}
	return alert, ok, nil
}

// Disconnect closes the broker connection. It is a no-op after a failed
// Connect.
func (in *Ingestor) Disconnect() {
	if in.client != nil && in.client.IsConnected() {
		in.client.Disconnect(250)
		log.Info().Msg("MQTT disconnected")
	}
	in.setConnected(false)
}

// Stats returns ingest counters.
func (in *Ingestor) Stats() IngestStats {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return IngestStats{
		Connected: in.connected,
		Received:  in.received,
		Rejected:  in.rejected,
		Alerts:    in.alerts,
	}
}

func (in *Ingestor) setConnected(v bool) {
	in.mu.Lock()
	in.connected = v
	in.mu.Unlock()
}

func (in *Ingestor) reject(topic string, err error) {
	in.mu.Lock()
	in.rejected++
	in.mu.Unlock()
	log.Warn().Err(err).Str("topic", topic).Msg("Dropping sensor reading")
}

// roomFromTopic parses "ward/<roomId>/environment".
func roomFromTopic(topic string) int64 {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 {
		return 0
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
