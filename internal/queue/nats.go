package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nathanyu/margin-trading/internal/domain"
	"github.com/nathanyu/margin-trading/internal/telemetry"
)

const (
	// EventSubjectPrefix prefixes outbound event subjects: margin.events.<EventType>.<key>.
	EventSubjectPrefix = "margin.events"
	// QuoteSubject carries market-maker quote batches into the engine.
	QuoteSubject = "margin.quotes"
	// QuoteQueueGroup load-balances quote batches across engine replicas sharing a subject.
	QuoteQueueGroup = "margin-engine"
)

// QuoteSink accepts market-maker quote batches.
type QuoteSink interface {
	SetMarketMakerQuotes(ctx context.Context, batch domain.MarketMakerQuotes) error
}

// NATSClient publishes outbound events and consumes quote batches.
type NATSClient struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

// NewNATSClient connects with reconnect handling.
func NewNATSClient(url string, logger *slog.Logger) (*NATSClient, error) {
	logger = logger.With("component", "nats")
	opts := []nats.Option{
		nats.Name("margin-trading"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSClient{conn: conn, logger: logger}, nil
}

// Conn returns the underlying NATS connection.
func (c *NATSClient) Conn() *nats.Conn {
	return c.conn
}

// EventSubject returns the subject an event is published on.
func EventSubject(event domain.Event) string {
	subject := EventSubjectPrefix + "." + string(event.GetType())
	if key := sanitizeToken(event.GetKey()); key != "" {
		subject += "." + key
	}
	return subject
}

// sanitizeToken strips characters NATS treats as subject separators or wildcards.
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// PublishEvent publishes one outbound event in its serialized envelope.
func (c *NATSClient) PublishEvent(event domain.Event) error {
	data, err := domain.SerializeEvent(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	if err := c.conn.Publish(EventSubject(event), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	telemetry.NATSMessagesPublished.WithLabelValues(EventSubjectPrefix + "." + string(event.GetType())).Inc()
	return nil
}

// Handle forwards one event from the bus. Failures are logged; delivery is at most once.
func (c *NATSClient) Handle(ctx context.Context, event domain.Event) {
	if err := c.PublishEvent(event); err != nil {
		c.logger.ErrorContext(ctx, "failed to forward event", "type", event.GetType(), "key", event.GetKey(), "error", err)
	}
}

// SubscribeQuotes feeds quote batches from QuoteSubject into sink.
func (c *NATSClient) SubscribeQuotes(sink QuoteSink) error {
	sub, err := c.conn.QueueSubscribe(QuoteSubject, QuoteQueueGroup, func(msg *nats.Msg) {
		c.handleQuotes(sink, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", QuoteSubject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed to quote batches", "subject", QuoteSubject, "queue", QuoteQueueGroup)
	return nil
}

func (c *NATSClient) handleQuotes(sink QuoteSink, msg *nats.Msg) {
	ctx, span := telemetry.Tracer.Start(context.Background(), "nats.quotes",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", msg.Subject),
		))
	defer span.End()
	telemetry.NATSMessagesReceived.WithLabelValues(msg.Subject).Inc()

	batch, err := DecodeQuotes(msg.Data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.WarnContext(ctx, "dropping malformed quote batch", "error", err)
		c.reply(msg, err)
		return
	}
	span.SetAttributes(
		attribute.String("instrument.id", batch.InstrumentID),
		attribute.String("market_maker.id", batch.MarketMakerID),
	)

	err = sink.SetMarketMakerQuotes(ctx, batch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.WarnContext(ctx, "quote batch rejected",
			"instrument_id", batch.InstrumentID,
			"market_maker_id", batch.MarketMakerID,
			"error", err,
		)
	}
	c.reply(msg, err)
}

// QuoteResponse answers a quote batch sent with request/reply.
type QuoteResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (c *NATSClient) reply(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	resp := QuoteResponse{Success: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	data, _ := json.Marshal(resp)
	if err := msg.Respond(data); err != nil {
		c.logger.Warn("failed to reply to quote batch", "error", err)
	}
}

// DecodeQuotes parses and checks a quote batch payload.
func DecodeQuotes(data []byte) (domain.MarketMakerQuotes, error) {
	var batch domain.MarketMakerQuotes
	if err := json.Unmarshal(data, &batch); err != nil {
		return batch, fmt.Errorf("failed to unmarshal quote batch: %w", err)
	}
	if batch.MarketMakerID == "" || batch.InstrumentID == "" {
		return batch, fmt.Errorf("quote batch needs market_maker_id and instrument_id")
	}
	for i := range batch.Orders {
		if batch.Orders[i].InstrumentID == "" {
			batch.Orders[i].InstrumentID = batch.InstrumentID
		}
		if batch.Orders[i].MarketMakerID == "" {
			batch.Orders[i].MarketMakerID = batch.MarketMakerID
		}
	}
	return batch, nil
}

// Close drains subscriptions and closes the connection.
func (c *NATSClient) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("NATS drain failed", "error", err)
	}
	c.conn.Close()
}
