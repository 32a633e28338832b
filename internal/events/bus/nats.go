package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/devpulse/devpulse/internal/common/config"
	"github.com/devpulse/devpulse/internal/common/logger"
)

// NATSMirror wraps an inner bus and additionally publishes every
// notification to NATS under <prefix>.<kind>. Local subscribers are
// served by the inner bus; the mirror exists so external consumers
// (other dashboards, recorders) can tap the stream without holding a
// websocket open.
type NATSMirror struct {
	inner  Bus
	conn   *nats.Conn
	prefix string
	logger *logger.Logger
}

var _ Bus = (*NATSMirror)(nil)

// NewNATSMirror connects to NATS and returns a bus that mirrors every
// publish to it.
func NewNATSMirror(inner Bus, cfg config.NATSConfig, log *logger.Logger) (*NATSMirror, error) {
	opts := []nats.Option{
		nats.Name("devpulse"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("Connected to NATS", zap.String("url", cfg.URL))

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "devpulse.stream"
	}

	return &NATSMirror{
		inner:  inner,
		conn:   conn,
		prefix: prefix,
		logger: log,
	}, nil
}

// Publish delivers locally first, then mirrors to NATS. A NATS publish
// failure is logged but never fails the local delivery.
func (m *NATSMirror) Publish(ctx context.Context, n *Notification) error {
	if err := m.inner.Publish(ctx, n); err != nil {
		return err
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	subject := m.prefix + "." + n.Kind
	if err := m.conn.Publish(subject, data); err != nil {
		m.logger.Warn("failed to mirror notification to NATS",
			zap.String("subject", subject),
			zap.Error(err))
	}
	return nil
}

// Subscribe registers a local subscriber on the inner bus.
func (m *NATSMirror) Subscribe(kind string, handler Handler) (Subscription, error) {
	return m.inner.Subscribe(kind, handler)
}

// Close flushes and closes the NATS connection, then the inner bus.
func (m *NATSMirror) Close() {
	if err := m.conn.Flush(); err != nil {
		m.logger.Warn("NATS flush on close failed", zap.Error(err))
	}
	m.conn.Close()
	m.inner.Close()
}
