package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/daviddao/clockq/pkg/model"
)

// DefaultSubjectPrefix is prepended to the event kind to form the NATS
// subject, e.g. "clockq.events.acked".
const DefaultSubjectPrefix = "clockq.events"

// Publisher is the part of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATS publishes each event as JSON on "<prefix>.<kind>". Core NATS
// publishing is at-most-once, which is enough for observability.
type NATS struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
}

// NewNATS returns a sink publishing through pub. Empty prefix uses
// DefaultSubjectPrefix.
func NewNATS(pub Publisher, prefix string, logger *slog.Logger) *NATS {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{pub: pub, prefix: prefix, logger: logger}
}

// Subject returns the subject an event of kind is published on.
func (n *NATS) Subject(kind model.EventKind) string {
	return n.prefix + "." + string(kind)
}

func (n *NATS) Emit(ctx context.Context, ev model.LifecycleEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		n.logger.WarnContext(ctx, "encode lifecycle event", "kind", string(ev.Kind), "error", err)
		return
	}
	if err := n.pub.Publish(n.Subject(ev.Kind), data); err != nil {
		n.logger.WarnContext(ctx, "publish lifecycle event", "kind", string(ev.Kind), "error", err)
	}
}

// ConnectNATS dials a NATS server with reconnects enabled for the lifetime
// of a long-running worker or server.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return conn, nil
}
