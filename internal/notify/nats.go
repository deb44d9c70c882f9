package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/umit144/purchase-reconciler/internal/models"
)

const DefaultNATSSubject = "purchase.notifications"

type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes every notification as JSON on a NATS subject.
type NATSPublisher struct {
	conn    natsPublisher
	subject string
	logger  *zap.Logger
}

func NewNATSPublisher(conn natsPublisher, subject string, logger *zap.Logger) *NATSPublisher {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, subject: subject, logger: logger}
}

// ConnectNATS dials url with reconnect handling that logs through logger.
func ConnectNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

func (p *NATSPublisher) OnPurchaseNotification(info models.NotificationInfo) {
	data, err := json.Marshal(info)
	if err != nil {
		p.logger.Error("marshaling notification", zap.Error(err), zap.String("event_id", info.EventID))
		return
	}

	if err := p.conn.Publish(p.subject, data); err != nil {
		p.logger.Error("publishing notification",
			zap.Error(err),
			zap.String("subject", p.subject),
			zap.String("event_id", info.EventID),
		)
	}
}
