// Package mqtt is a north-bound app plugin publishing TRANS_DATA
// payloads to an MQTT broker. Grounded on
// other_examples' haylesnortal-iothub MQTT transport: a paho client
// built from ClientOptions with connect/reconnect handlers, and a
// context-aware wait over the library's synchronous Token, adapted
// here from IoT Hub's fixed topic scheme to this gateway's
// route-supplied topic per publish.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/cuemby/fieldbus/pkg/errcode"
	"github.com/cuemby/fieldbus/pkg/eventloop"
	"github.com/cuemby/fieldbus/pkg/log"
	"github.com/cuemby/fieldbus/pkg/plugin"
)

// DefaultQoS matches the at-least-once default most brokers expect
// for telemetry.
const DefaultQoS = 1

// Descriptor is this module's registration metadata.
var Descriptor = plugin.Descriptor{
	Version:     "1.0.0",
	Schema:      "mqtt",
	ModuleName:  "MQTT",
	Description: "MQTT publish transport",
	Type:        plugin.TypeApp,
	Kind:        "static",
	Display:     "MQTT",
	TimerType:   eventloop.NonBlock,
}

// Register adds this module to r under its Descriptor.ModuleName.
func Register(r *plugin.Registry) error {
	return r.Register(Descriptor, func() any { return New() })
}

// Config is the plugin's Setting payload.
type Config struct {
	Broker         string        `json:"broker"` // e.g. "tcp://10.0.0.1:1883"
	ClientID       string        `json:"client_id"`
	Username       string        `json:"username,omitempty"`
	Password       string        `json:"password,omitempty"`
	QoS            byte          `json:"qos"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	KeepAlive      time.Duration `json:"keep_alive"`
}

func (c Config) validate() error {
	if c.Broker == "" {
		return errcode.New(errcode.GroupParameterInvalid, "mqtt: broker is required")
	}
	if c.ClientID == "" {
		return errcode.New(errcode.GroupParameterInvalid, "mqtt: client_id is required")
	}
	return nil
}

// App implements plugin.AppPlugin and the optional
// plugin.LinkStateReporter behavior.
type App struct {
	log zerolog.Logger

	mu     sync.RWMutex
	cfg    Config
	client paho.Client
	linkFn plugin.LinkStateFunc
}

// New constructs an unconfigured App; Setting must be called before
// Publish does anything useful.
func New() *App {
	return &App{log: log.WithNode("mqtt")}
}

func (a *App) Open(context.Context) error { return nil }
func (a *App) Init(json.RawMessage) error { return nil }
func (a *App) Uninit() error              { return nil }
func (a *App) Start() error               { return nil }
func (a *App) Stop() error                { return nil }

func (a *App) Close() error {
	a.mu.Lock()
	c := a.client
	a.client = nil
	a.mu.Unlock()
	if c != nil && c.IsConnected() {
		c.Disconnect(250)
	}
	return nil
}

// Setting parses setting as Config and (re)connects to the broker,
// disconnecting any previous client first.
func (a *App) Setting(setting json.RawMessage) error {
	var cfg Config
	if err := json.Unmarshal(setting, &cfg); err != nil {
		return errcode.Newf(errcode.GroupParameterInvalid, "mqtt: invalid setting: %v", err)
	}
	if cfg.QoS == 0 {
		cfg.QoS = DefaultQoS
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	_ = a.Close()

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetOnConnectHandler(func(paho.Client) {
		a.log.Debug().Msg("mqtt: connected")
		a.setLinkState(plugin.LinkConnected)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		a.log.Warn().Err(err).Msg("mqtt: connection lost")
		a.setLinkState(plugin.LinkDisconnected)
	})

	client := paho.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitToken(ctx, client.Connect()); err != nil {
		return errcode.Newf(errcode.MQTTDisconnected, "mqtt: connect failed: %v", err)
	}

	a.mu.Lock()
	a.cfg = cfg
	a.client = client
	a.mu.Unlock()
	return nil
}

func (a *App) OnLinkState(fn plugin.LinkStateFunc) {
	a.mu.Lock()
	a.linkFn = fn
	a.mu.Unlock()
}

func (a *App) setLinkState(state plugin.LinkState) {
	a.mu.RLock()
	fn := a.linkFn
	a.mu.RUnlock()
	if fn != nil {
		fn(state)
	}
}

// Publish sends payload to topic at the configured QoS.
func (a *App) Publish(ctx context.Context, topic string, payload []byte) error {
	a.mu.RLock()
	client := a.client
	qos := a.cfg.QoS
	a.mu.RUnlock()

	if client == nil || !client.IsConnected() {
		return errcode.New(errcode.MQTTDisconnected, "mqtt: not connected")
	}
	if topic == "" {
		return errcode.New(errcode.MQTTIsNull, "mqtt: empty topic")
	}
	if err := waitToken(ctx, client.Publish(topic, qos, false, payload)); err != nil {
		return errcode.Newf(errcode.MQTTPublishFailure, "mqtt: publish to %q: %v", topic, err)
	}
	return nil
}

// waitToken blocks on tok until it completes or ctx is done; the paho
// client has no native context support, so this polls WaitTimeout in
// a loop the way the iothub transport's contextToken does.
func waitToken(ctx context.Context, tok paho.Token) error {
	done := make(chan struct{})
	go func() {
		for !tok.WaitTimeout(200 * time.Millisecond) {
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
		close(done)
	}()
	select {
	case <-done:
		return tok.Error()
	case <-ctx.Done():
		return fmt.Errorf("mqtt: %w", ctx.Err())
	}
}
