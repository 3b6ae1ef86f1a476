// Package telemetry publishes mt7601u statistics, calibration snapshots and
// TX outcomes to an MQTT broker as JSON documents.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soypat/mt7601u"
	mqtt "github.com/soypat/natiu-mqtt"
)

// Topics under Config.Topic.
const (
	TopicStats       = "/stats"
	TopicCalibration = "/cal"
	TopicTx          = "/tx"
)

// Source is what the publisher samples each interval. *mt7601u.Device
// implements it.
type Source interface {
	Stats() mt7601u.Stats
	Calibration() mt7601u.CalibrationState
}

// Config configures a Publisher.
type Config struct {
	// Broker is the host:port of the MQTT server.
	Broker   string
	ClientID string
	// Topic prefixes every published topic.
	Topic    string
	Interval time.Duration
	// TxQueue is how many TX outcomes may wait for publishing. Outcomes
	// beyond it are dropped and counted.
	TxQueue  int
	Logger   *slog.Logger
}

// DefaultConfig returns a configuration for a broker on localhost.
func DefaultConfig() Config {
	return Config{
		Broker:   "localhost:1883",
		ClientID: "mt7601u",
		Topic:    "mt7601u",
		Interval: 5 * time.Second,
		TxQueue:  64,
	}
}

var errNotConnected = errors.New("mqtt not connected")

// Publisher reports device state to an MQTT broker.
type Publisher struct {
	cfg      Config
	client   *mqtt.Client
	flags    mqtt.PacketFlags
	outcomes chan mt7601u.TxOutcome
	dropped  atomic.Uint64

	mu      sync.Mutex
	pktID   uint16
	// publish sends one payload. Replaced in tests.
	publish func(topic string, payload []byte) error
}

// New returns a Publisher that is not yet connected. Call Dial or Connect
// before Run.
func New(cfg Config) *Publisher {
	if cfg.TxQueue <= 0 {
		cfg.TxQueue = 1
	}
	p := &Publisher{
		cfg:      cfg,
		outcomes: make(chan mt7601u.TxOutcome, cfg.TxQueue),
	}
	p.flags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, false)
	p.client = mqtt.NewClient(mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: make([]byte, 1024)},
		OnPub: func(_ mqtt.Header, varPub mqtt.VariablesPublish, r io.Reader) error {
			p.debug("mqtt:unexpected-publish", slog.String("topic", string(varPub.TopicName)))
			return nil
		},
	})
	p.publish = p.mqttPublish
	return p
}

// Dial connects to cfg.Broker over TCP and performs the MQTT handshake.
func (p *Publisher) Dial(ctx context.Context) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", p.cfg.Broker)
	if err != nil {
		return err
	}
	err = p.Connect(ctx, conn)
	if err != nil {
		conn.Close()
	}
	return err
}

// Connect performs the MQTT handshake over an established connection.
func (p *Publisher) Connect(ctx context.Context, conn io.ReadWriteCloser) error {
	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT([]byte(p.cfg.ClientID))
	p.info("mqtt:connecting", slog.String("broker", p.cfg.Broker))
	return p.client.Connect(ctx, conn, &varconn)
}

// ReportTx queues a TX outcome for publishing without blocking.
func (p *Publisher) ReportTx(out mt7601u.TxOutcome) {
	select {
	case p.outcomes <- out:
	default:
		p.dropped.Add(1)
	}
}

// Dropped returns how many TX outcomes were discarded on a full queue.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

// Run publishes a snapshot of src every interval and every queued TX
// outcome until ctx is done.
func (p *Publisher) Run(ctx context.Context, src Source) error {
	interval := p.cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			if p.client.IsConnected() {
				p.client.Disconnect(ctx.Err())
			}
			return ctx.Err()
		case out := <-p.outcomes:
			err := p.sendJSON(TopicTx, newTxReport(out))
			if err != nil {
				p.logerr("mqtt:publish-tx", err)
			}
		case <-tick.C:
			err := p.sendJSON(TopicStats, newStatsReport(src.Stats(), p.Dropped()))
			if err == nil {
				err = p.sendJSON(TopicCalibration, newCalReport(src.Calibration()))
			}
			if errors.Is(err, errNotConnected) {
				return err
			} else if err != nil {
				p.logerr("mqtt:publish-snapshot", err)
			}
		}
	}
}

func (p *Publisher) sendJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.publish(p.cfg.Topic+topic, payload)
}

func (p *Publisher) mqttPublish(topic string, payload []byte) error {
	if !p.client.IsConnected() {
		return errNotConnected
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pktID++
	vars := mqtt.VariablesPublish{
		TopicName:        []byte(topic),
		PacketIdentifier: p.pktID,
	}
	return p.client.PublishPayload(p.flags, vars, payload)
}

func (p *Publisher) info(msg string, attrs ...slog.Attr) {
	if p.cfg.Logger != nil {
		p.cfg.Logger.LogAttrs(context.Background(), slog.LevelInfo, msg, attrs...)
	}
}

func (p *Publisher) debug(msg string, attrs ...slog.Attr) {
	if p.cfg.Logger != nil {
		p.cfg.Logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}

func (p *Publisher) logerr(msg string, err error) {
	if p.cfg.Logger != nil {
		p.cfg.Logger.LogAttrs(context.Background(), slog.LevelError, msg, slog.String("err", err.Error()))
	}
}
