package oplog

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/ha-area-bridge/internal/config"
)

// MQTTWriter forwards events as JSON messages to a broker topic. The
// connection is managed by autopaho, which reconnects in the
// background; events written while disconnected fail and are logged by
// the Recorder.
type MQTTWriter struct {
	topic  string
	cm     *autopaho.ConnectionManager
	logger *slog.Logger
}

// NewMQTTWriter starts a broker connection and waits briefly for it to
// come up. A slow broker is not fatal.
func NewMQTTWriter(ctx context.Context, cfg config.MQTTConfig, logger *slog.Logger) (*MQTTWriter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	brokerURL, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: cfg.Username,
		ConnectPassword: []byte(cfg.Password),
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.Info("mqtt connected to broker", "broker", cfg.Broker)
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	return &MQTTWriter{topic: cfg.Topic, cm: cm, logger: logger}, nil
}

// Write publishes each event at QoS 0.
func (w *MQTTWriter) Write(ctx context.Context, events []Event) error {
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.EventID, err)
		}
		if _, err := w.cm.Publish(ctx, &paho.Publish{
			Topic:   w.topic + "/" + e.EventType,
			Payload: payload,
			QoS:     0,
		}); err != nil {
			return fmt.Errorf("publish event %s: %w", e.EventID, err)
		}
	}
	return nil
}

// Close disconnects from the broker.
func (w *MQTTWriter) Close(ctx context.Context) error {
	return w.cm.Disconnect(ctx)
}
