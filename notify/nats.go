package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"intelvault/core"
	"intelvault/metrics"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is the root of the subjects events are forwarded to.
const DefaultSubjectPrefix = "intelvault.events"

var propagator = propagation.TraceContext{}

// MsgPublisher is the part of *nats.Conn the forwarder uses.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSForwarder forwards hub events to NATS subjects of the form
// <prefix>.<tenant>.<channel>, carrying the W3C trace context in the headers.
type NATSForwarder struct {
	conn   MsgPublisher
	prefix string
	tracer trace.Tracer
	logger *zap.SugaredLogger
}

// NewNATSForwarder creates a forwarder. An empty prefix uses DefaultSubjectPrefix.
func NewNATSForwarder(conn MsgPublisher, prefix string, logger *zap.SugaredLogger) *NATSForwarder {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &NATSForwarder{
		conn:   conn,
		prefix: strings.TrimSuffix(prefix, "."),
		tracer: otel.Tracer("intelvault/notify"),
		logger: logger,
	}
}

// Subject returns the subject ev is published on.
func (f *NATSForwarder) Subject(ev core.Event) string {
	return fmt.Sprintf("%s.%s.%s", f.prefix, subjectToken(ev.TenantID), subjectToken(string(ev.Channel)))
}

// subjectToken replaces characters NATS treats as separators or wildcards.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// Deliver publishes ev. It has the DeliverFunc signature so it can be
// registered with Hub.Subscribe.
func (f *NATSForwarder) Deliver(ctx context.Context, ev core.Event) error {
	ctx, span := f.tracer.Start(ctx, "nats.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("tenant.id", ev.TenantID),
			attribute.String("event.channel", string(ev.Channel)),
			attribute.String("event.action", string(ev.Action)),
		))
	defer span.End()

	data, err := json.Marshal(ev)
	if err != nil {
		metrics.NATSPublishFailures.Inc()
		return fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
	}

	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	hdr.Set("Intelvault-Event-Id", ev.ID)

	msg := &nats.Msg{Subject: f.Subject(ev), Data: data, Header: hdr}
	if err := f.conn.PublishMsg(msg); err != nil {
		metrics.NATSPublishFailures.Inc()
		span.RecordError(err)
		return fmt.Errorf("failed to publish event %s to %s: %w", ev.ID, msg.Subject, err)
	}
	return nil
}

// Attach subscribes the forwarder to a tenant's events on the hub.
func (f *NATSForwarder) Attach(hub *Hub, tenantID string, channels []core.Channel) (string, error) {
	id, err := hub.Subscribe(tenantID, channels, nil, f.Deliver)
	if err != nil {
		return "", err
	}
	f.logger.Infow("Forwarding tenant events to NATS", "tenant", tenantID, "prefix", f.prefix)
	return id, nil
}

// ExtractContext returns a context carrying the trace context found in msg's headers.
func ExtractContext(ctx context.Context, msg *nats.Msg) context.Context {
	if msg.Header == nil {
		return ctx
	}
	return propagator.Extract(ctx, propagation.HeaderCarrier(msg.Header))
}

// ConnectNATS dials a NATS server with reconnect handling logged through logger.
func ConnectNATS(url, name string, logger *zap.SugaredLogger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnw("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infow("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}
