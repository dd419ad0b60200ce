package events

import (
	"encoding/json"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is prepended to the event kind to form the subject.
const DefaultSubjectPrefix = "lend.events"

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subj string, data []byte) error
}

// NATSPublisher publishes events as JSON on <prefix>.<kind>.
type NATSPublisher struct {
	conn   Conn
	prefix string
	logger log.Logger
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(conn Conn, prefix string, logger log.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = log.Root().New("module", "events")
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

// ConnectNATS dials url with unlimited reconnects.
func ConnectNATS(url string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	return nats.Connect(url,
		nats.Name("lendd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
}

// Subject returns the subject an event of kind k is published on.
func (p *NATSPublisher) Subject(k Kind) string {
	return p.prefix + "." + string(k)
}

// Publish never fails the caller; delivery errors are logged.
func (p *NATSPublisher) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to encode event", "kind", ev.Kind, "seq", ev.Seq, "error", err)
		return
	}
	if err := p.conn.Publish(p.Subject(ev.Kind), data); err != nil {
		p.logger.Warn("failed to publish event", "kind", ev.Kind, "seq", ev.Seq, "error", err)
	}
}
