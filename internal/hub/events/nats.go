// Package events fans out hub-internal occurrences (agent presence changes,
// today) to a NATS subject so that deployments running more than one hub
// process, or an external subscriber, see the same real-time stream the
// in-process dashboard observers see (§4.2/§5).
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/sonde-hub/sonde/internal/config"
	"github.com/sonde-hub/sonde/internal/obslog"
)

// Publisher fans out a JSON-encodable value under subject. Its Publish
// method satisfies dispatcher.EventPublisher, the narrower interface the
// Dispatcher depends on, which is left nil when no NATS URL is configured.
type Publisher interface {
	Publish(subject string, v interface{}) error
	Close()
}

// NATSPublisher implements Publisher over a *nats.Conn, carrying the
// teacher's own reconnect/backoff option set unchanged.
type NATSPublisher struct {
	conn *nats.Conn
	log  *obslog.Logger
}

// Connect dials cfg.NATSURL. Returns (nil, nil) if cfg.NATSURL is empty:
// the caller treats a nil Publisher as "fan-out disabled."
func Connect(cfg config.EventsConfig, log *obslog.Logger) (*NATSPublisher, error) {
	if cfg.NATSURL == "" {
		return nil, nil
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("nats connection closed", zap.Error(err))
			}
		}),
	}

	conn, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to nats", zap.String("url", cfg.NATSURL))
	return &NATSPublisher{conn: conn, log: log}, nil
}

// Publish marshals v and publishes it to subject.
func (p *NATSPublisher) Publish(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the connection, falling back to a hard close if
// draining fails.
func (p *NATSPublisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.log.Warn("error draining nats connection", zap.Error(err))
		p.conn.Close()
	}
}
