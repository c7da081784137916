package load

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vocagraph/omop2neo4j/pkg/natsutil"
)

// Event describes one state transition or batch milestone of a run.
type Event struct {
	RunID  string    `json:"run_id"`
	State  State     `json:"state"`
	Detail string    `json:"detail,omitempty"`
	Time   time.Time `json:"time"`
}

// EventSink receives run progress events. Publish failures are logged and
// otherwise ignored; event delivery never affects the state machine.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

type nopSink struct{}

func (nopSink) Publish(context.Context, Event) error { return nil }

type natsSink struct {
	nc      *nats.Conn
	subject string
}

// NATSSink publishes run events to a NATS subject.
func NATSSink(nc *nats.Conn, subject string) EventSink {
	return &natsSink{nc: nc, subject: subject}
}

func (s *natsSink) Publish(ctx context.Context, ev Event) error {
	return natsutil.Publish(ctx, s.nc, s.subject, ev)
}
