// Package kafka provides a Kafka-based implementation of the messaging
// substrate. Each overlay address maps to one topic; a session consumes its
// own topic and produces to the topics of its peers.
package kafka

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mvera/fedgate/internal/domain/overlay"
	"github.com/mvera/fedgate/internal/transport"
	"github.com/mvera/fedgate/pkg/common/logger"
)

// Header keys used on the Kafka messages. The stanza body travels as the
// message value; everything else rides in headers.
const (
	headerKind      = "stanza-kind"
	headerFrom      = "stanza-from"
	headerID        = "stanza-id"
	headerSignature = "stanza-signature"
)

// Config contains the settings for attaching to the Kafka cluster.
type Config struct {
	// Brokers is the list of broker addresses to connect to.
	Brokers []string

	// TopicPrefix namespaces the per-address topics (e.g. "overlay").
	TopicPrefix string

	// ClientID identifies this gateway to the cluster.
	ClientID string
}

// Metrics defines the operations needed to monitor stanza traffic through
// the cluster.
type Metrics interface {
	IncStanzaPublished(ctx context.Context, topic string)
	IncStanzaConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// Transport attaches overlay clients to Kafka. All sessions share one
// producer; each session runs its own consumer group.
type Transport struct {
	cfg      *Config
	producer sarama.SyncProducer
	metrics  Metrics
	logger   *logger.Logger
	tracer   trace.Tracer
}

var _ transport.Transport = (*Transport)(nil)

// NewTransport creates a Kafka transport from the provided configuration.
// The producer connection is established here, so a broker that is not up
// yet surfaces as a retryable error before any session opens.
func NewTransport(cfg *Config, log *logger.Logger, metrics Metrics, tracer trace.Tracer) (*Transport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}

	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Partitioner = sarama.NewHashPartitioner
	producerConfig.ClientID = cfg.ClientID

	producer, err := sarama.NewSyncProducer(cfg.Brokers, producerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	log = log.With("component", "kafka_transport", "client_id", cfg.ClientID)
	return &Transport{cfg: cfg, producer: producer, metrics: metrics, logger: log, tracer: tracer}, nil
}

// Close shuts down the shared producer. Sessions must be closed first.
func (t *Transport) Close() error {
	if err := t.producer.Close(); err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	return nil
}

// TopicFor returns the topic that carries stanzas addressed to addr.
func (t *Transport) TopicFor(addr overlay.Address) string {
	return t.cfg.TopicPrefix + "." + sanitizeTopic(string(addr))
}

// sanitizeTopic maps an overlay address onto Kafka's legal topic alphabet.
func sanitizeTopic(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Open creates a consumer group bound to the local address's topic. Inbound
// handling is serialized per session; sends go through the shared producer.
func (t *Transport) Open(ctx context.Context, local overlay.Address, handler transport.StanzaHandler) (transport.Session, error) {
	if handler == nil {
		return nil, fmt.Errorf("stanza handler cannot be nil")
	}

	consumerConfig := sarama.NewConfig()
	consumerConfig.ClientID = t.cfg.ClientID
	consumerConfig.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	consumerConfig.Consumer.Group.Session.Timeout = 20 * time.Second
	consumerConfig.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	consumerConfig.Version = sarama.V2_8_0_0

	groupID := fmt.Sprintf("%s-%s", t.cfg.ClientID, sanitizeTopic(string(local)))
	group, err := sarama.NewConsumerGroup(t.cfg.Brokers, groupID, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		transport: t,
		local:     local,
		producer:  t.producer,
		group:     group,
		cancel:    cancel,
		logger:    t.logger.With("address", string(local)),
		tracer:    t.tracer,
	}

	go s.consumeLoop(sessCtx, handler)

	return s, nil
}

type session struct {
	transport *Transport
	local     overlay.Address
	producer  sarama.SyncProducer
	group     sarama.ConsumerGroup
	cancel    context.CancelFunc
	logger    *logger.Logger
	tracer    trace.Tracer

	// handleMu serializes handler invocations across partition claims so
	// the overlay client observes stanzas one at a time.
	handleMu sync.Mutex
}

// Send produces the stanza onto the destination's topic.
func (s *session) Send(ctx context.Context, st transport.Stanza) error {
	ctx, span := s.tracer.Start(ctx, "kafka_transport.send",
		trace.WithAttributes(
			attribute.String("to", string(st.To)),
			attribute.String("kind", string(st.Kind)),
		))
	defer span.End()

	if st.From == "" {
		st.From = s.local
	}
	if st.ID == "" {
		st.ID = uuid.New().String()
	}

	msg := &sarama.ProducerMessage{
		Topic: s.transport.TopicFor(st.To),
		Key:   sarama.StringEncoder(st.From),
		Value: sarama.ByteEncoder(st.Body),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerKind), Value: []byte(st.Kind)},
			{Key: []byte(headerFrom), Value: []byte(st.From)},
			{Key: []byte(headerID), Value: []byte(st.ID)},
			{Key: []byte(headerSignature), Value: []byte(st.Signature)},
		},
	}

	partition, offset, err := s.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		if s.transport.metrics != nil {
			s.transport.metrics.IncPublishError(ctx, msg.Topic)
		}
		return fmt.Errorf("failed to send stanza to %s: %w", st.To, err)
	}
	if s.transport.metrics != nil {
		s.transport.metrics.IncStanzaPublished(ctx, msg.Topic)
	}

	s.logger.Debug(ctx, "Stanza produced",
		"topic", msg.Topic,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

func (s *session) consumeLoop(ctx context.Context, handler transport.StanzaHandler) {
	topics := []string{s.transport.TopicFor(s.local)}
	cgHandler := &stanzaConsumer{session: s, handler: handler}

	for {
		if err := s.group.Consume(ctx, topics, cgHandler); err != nil {
			s.logger.Error(ctx, "Error from consumer group", "error", err)
			if s.transport.metrics != nil {
				s.transport.metrics.IncConsumeError(ctx, topics[0])
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Close shuts down the consumer loop and group. The producer belongs to the
// transport and stays open for the remaining sessions.
func (s *session) Close() error {
	s.cancel()
	if err := s.group.Close(); err != nil {
		return fmt.Errorf("failed to close consumer group: %w", err)
	}
	return nil
}

// stanzaConsumer adapts a sarama consumer group claim into StanzaHandler
// invocations. The handler mutex keeps handling serialized even when the
// topic has multiple partitions.
type stanzaConsumer struct {
	session *session
	handler transport.StanzaHandler
}

func (c *stanzaConsumer) Setup(sess sarama.ConsumerGroupSession) error {
	c.session.logger.Info(context.Background(), "Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (c *stanzaConsumer) Cleanup(sess sarama.ConsumerGroupSession) error {
	c.session.logger.Info(context.Background(), "Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (c *stanzaConsumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		st := transport.Stanza{
			Kind: transport.KindChat,
			To:   c.session.local,
			Body: msg.Value,
		}
		for _, h := range msg.Headers {
			switch string(h.Key) {
			case headerKind:
				st.Kind = transport.Kind(h.Value)
			case headerFrom:
				st.From = overlay.Address(h.Value)
			case headerID:
				st.ID = string(h.Value)
			case headerSignature:
				st.Signature = string(h.Value)
			}
		}

		msgCtx, span := c.session.tracer.Start(sess.Context(), "kafka_transport.receive",
			trace.WithAttributes(
				attribute.String("from", string(st.From)),
				attribute.String("kind", string(st.Kind)),
			))
		c.session.handleMu.Lock()
		c.handler(msgCtx, st)
		c.session.handleMu.Unlock()
		if m := c.session.transport.metrics; m != nil {
			m.IncStanzaConsumed(msgCtx, msg.Topic)
		}
		span.End()

		sess.MarkMessage(msg, "")
	}
	return nil
}
