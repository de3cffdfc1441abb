package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/deployd/internal/logging"
)

// NATSSink publishes each record as JSON on
// <subjectBase>.<plan_id>.<event_type> so consumers can subscribe to
// one plan, one event type, or the whole trail with wildcards.
type NATSSink struct {
	nc          *nats.Conn
	subjectBase string
	ownsConn    bool
	logger      *logging.Logger
}

// NewNATSSink connects to the broker at url. A nil logger is replaced
// with a nop.
func NewNATSSink(url, subjectBase string, logger *logging.Logger) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("deployd-audit"))
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	sink := NewNATSSinkWithConn(nc, subjectBase, logger)
	sink.ownsConn = true
	return sink, nil
}

// NewNATSSinkWithConn wraps an existing connection. The caller keeps
// ownership of the connection.
func NewNATSSinkWithConn(nc *nats.Conn, subjectBase string, logger *logging.Logger) *NATSSink {
	if subjectBase == "" {
		subjectBase = "deployd.audit"
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &NATSSink{
		nc:          nc,
		subjectBase: subjectBase,
		logger:      logger.Named("audit.nats"),
	}
}

func (s *NATSSink) Write(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding audit record: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.%s", s.subjectBase, rec.PlanID, rec.EventType)
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing audit record to %s: %w", subject, err)
	}

	s.logger.Debug(ctx, "audit record published",
		zap.String("subject", subject),
		zap.String("event_type", string(rec.EventType)),
	)
	return nil
}

func (s *NATSSink) Close(context.Context) error {
	if err := s.nc.Flush(); err != nil {
		return fmt.Errorf("flushing NATS connection: %w", err)
	}
	if s.ownsConn {
		s.nc.Close()
	}
	return nil
}
