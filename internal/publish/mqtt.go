package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/NodePath81/netprobe/internal/probe"
	"github.com/NodePath81/netprobe/internal/util"
)

const (
	defaultMQTTConnectTimeout = 10 * time.Second
	mqttDisconnectQuiesce     = 250
	mqttMaxRetryInterval      = 10 * time.Second
)

var errTokenTimeout = errors.New("mqtt operation timed out")

type MQTTConfig struct {
	Host string
	Port int
	// Transport is "tcp" or "websockets".
	Transport      string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	Discovery      *Discovery
}

// BrokerURL renders the paho broker address for host, port and transport.
func BrokerURL(host string, port int, transport string) string {
	scheme := "tcp"
	if transport == "websockets" {
		scheme = "ws"
	}
	return scheme + "://" + util.NetJoin(host, port)
}

// MQTT publishes Home Assistant discovery and state messages. The service
// online sensor is the client's last will, so the broker flips it to OFF
// when the process disappears.
type MQTT struct {
	cfg    MQTTConfig
	disc   *Discovery
	client mqtt.Client
	logger util.Logger

	mu    sync.RWMutex
	descs map[probe.Identity]probe.Descriptor
	order []probe.Descriptor
}

func NewMQTT(cfg MQTTConfig, logger util.Logger) (*MQTT, error) {
	if cfg.Host == "" {
		return nil, errors.New("mqtt host must not be empty")
	}
	if cfg.Discovery == nil {
		return nil, errors.New("mqtt discovery settings are required")
	}
	m := newMQTT(cfg, logger)
	will := cfg.Discovery.Online(false)
	opts := mqtt.NewClientOptions().
		AddBroker(BrokerURL(cfg.Host, cfg.Port, cfg.Transport)).
		SetClientID(cfg.Discovery.NodeID).
		SetWill(will.Topic, string(will.Payload), will.QoS, will.Retained).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetMaxReconnectInterval(mqttMaxRetryInterval).
		SetConnectTimeout(m.cfg.ConnectTimeout).
		SetOnConnectHandler(func(mqtt.Client) {
			m.logger.Info("connected to mqtt broker", "host", cfg.Host, "port", cfg.Port)
			go m.resendDiscovery()
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.logger.Warn("mqtt connection lost", "host", cfg.Host, "error", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	m.client = mqtt.NewClient(opts)
	return m, nil
}

func newMQTT(cfg MQTTConfig, logger util.Logger) *MQTT {
	if logger == nil {
		logger = util.NewLogger()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultMQTTConnectTimeout
	}
	return &MQTT{
		cfg:    cfg,
		disc:   cfg.Discovery,
		logger: logger,
		descs:  make(map[probe.Identity]probe.Descriptor),
	}
}

// Connect retries with capped exponential backoff until the broker accepts
// the connection or ctx ends. Later drops are handled by paho's reconnect.
func (m *MQTT) Connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = mqttMaxRetryInterval
	b.MaxElapsedTime = 0
	op := func() error {
		err := waitToken(ctx, m.client.Connect(), m.cfg.ConnectTimeout)
		if err != nil {
			m.logger.Warn("unable to connect to mqtt broker", "host", m.cfg.Host, "error", err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func (m *MQTT) Announce(ctx context.Context, descriptors []probe.Descriptor) error {
	m.mu.Lock()
	m.order = append([]probe.Descriptor(nil), descriptors...)
	for _, d := range descriptors {
		m.descs[d.Identity] = d
	}
	m.mu.Unlock()
	if err := m.sendAll(ctx, m.disc.ConfigMessages(descriptors)); err != nil {
		return err
	}
	return m.send(ctx, m.disc.Online(true))
}

func (m *MQTT) Publish(ctx context.Context, snap probe.Snapshot) error {
	if !m.client.IsConnectionOpen() {
		m.logger.Debug("mqtt offline, state dropped", "probe", snap.Identity.String())
		return nil
	}
	return m.sendAll(ctx, m.disc.StateMessages(m.descriptor(snap), snap))
}

// Close marks the service offline and disconnects.
func (m *MQTT) Close() error {
	var err error
	if m.client.IsConnectionOpen() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err = m.send(ctx, m.disc.Online(false))
		cancel()
	}
	m.client.Disconnect(mqttDisconnectQuiesce)
	return err
}

func (m *MQTT) descriptor(snap probe.Snapshot) probe.Descriptor {
	m.mu.RLock()
	d, ok := m.descs[snap.Identity]
	m.mu.RUnlock()
	if !ok {
		d = probe.Descriptor{Identity: snap.Identity, Interval: snap.Interval, Precision: snap.Precision}
	}
	return d
}

// resendDiscovery repeats the announcement after a reconnect, since the
// broker may have lost retained messages.
func (m *MQTT) resendDiscovery() {
	m.mu.RLock()
	descs := append([]probe.Descriptor(nil), m.order...)
	m.mu.RUnlock()
	if len(descs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	msgs := append(m.disc.ConfigMessages(descs), m.disc.Online(true))
	if err := m.sendAll(ctx, msgs); err != nil {
		m.logger.Warn("mqtt discovery resend failed", "error", err)
	}
}

func (m *MQTT) sendAll(ctx context.Context, msgs []Message) error {
	for _, msg := range msgs {
		if err := m.send(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (m *MQTT) send(ctx context.Context, msg Message) error {
	m.logger.Debug("mqtt publish", "topic", msg.Topic, "payload", string(msg.Payload))
	tok := m.client.Publish(msg.Topic, msg.QoS, msg.Retained, msg.Payload)
	if err := waitToken(ctx, tok, m.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", msg.Topic, err)
	}
	return nil
}

func waitToken(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errTokenTimeout
	}
}
