package eventbus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/orchestratord/internal/domain"
	"github.com/kandev/orchestratord/internal/logging"
)

// NatsMirror republishes persisted run events onto NATS subjects for
// out-of-process consumers (dashboards, external audit sinks). It is
// never the source of truth -- the repository's event log is -- so a
// mirror failure is logged and otherwise ignored.
type NatsMirror struct {
	conn      *nats.Conn
	namespace string
	log       *logging.Logger
}

// NewNatsMirror connects to url and returns a mirror that publishes to
// "<namespace>.runs.<runId>" subjects. namespace defaults to "orchd".
func NewNatsMirror(url, namespace string, log *logging.Logger) (*NatsMirror, error) {
	if namespace == "" {
		namespace = "orchd"
	}
	conn, err := nats.Connect(url,
		nats.Name("orchestratord"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats mirror: disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats mirror: reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NatsMirror{conn: conn, namespace: namespace, log: log}, nil
}

// Publish best-effort republishes event to this mirror's subject.
func (m *NatsMirror) Publish(event domain.Event) {
	if m == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		m.log.Warn("nats mirror: marshal event failed", zap.Error(err))
		return
	}
	subject := fmt.Sprintf("%s.runs.%s", m.namespace, event.RunID)
	if err := m.conn.Publish(subject, payload); err != nil {
		m.log.Warn("nats mirror: publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Close drains and closes the underlying NATS connection.
func (m *NatsMirror) Close() {
	if m == nil {
		return
	}
	m.conn.Close()
}
