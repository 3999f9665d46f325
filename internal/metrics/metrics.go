// Package metrics provides the OpenTelemetry implementation of the metric
// interfaces declared by the gateway's components.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const namespace = "gateway"

// Gateway implements the metric interfaces of the overlay client, the Kafka
// transport, and the record batcher.
type Gateway struct {
	// Overlay client metrics.
	requestsSent    metric.Int64Counter
	repliesReceived metric.Int64Counter
	requestTimeouts metric.Int64Counter
	stanzasDropped  metric.Int64Counter

	// Transport metrics.
	stanzasPublished metric.Int64Counter
	stanzasConsumed  metric.Int64Counter
	publishErrors    metric.Int64Counter
	consumeErrors    metric.Int64Counter

	// Batcher metrics.
	recordsFlushed metric.Int64Counter
	flushErrors    metric.Int64Counter
}

// New creates a Gateway metrics instance backed by mp.
func New(mp metric.MeterProvider) (*Gateway, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	g := new(Gateway)
	var err error

	if g.requestsSent, err = meter.Int64Counter(
		"requests_sent_total",
		metric.WithDescription("Total number of overlay requests sent"),
	); err != nil {
		return nil, err
	}

	if g.repliesReceived, err = meter.Int64Counter(
		"replies_received_total",
		metric.WithDescription("Total number of replies received for overlay requests"),
	); err != nil {
		return nil, err
	}

	if g.requestTimeouts, err = meter.Int64Counter(
		"request_timeouts_total",
		metric.WithDescription("Total number of overlay requests that got no reply"),
	); err != nil {
		return nil, err
	}

	if g.stanzasDropped, err = meter.Int64Counter(
		"stanzas_dropped_total",
		metric.WithDescription("Total number of inbound stanzas dropped during verification"),
	); err != nil {
		return nil, err
	}

	if g.stanzasPublished, err = meter.Int64Counter(
		"stanzas_published_total",
		metric.WithDescription("Total number of stanzas published to the cluster"),
	); err != nil {
		return nil, err
	}

	if g.stanzasConsumed, err = meter.Int64Counter(
		"stanzas_consumed_total",
		metric.WithDescription("Total number of stanzas consumed from the cluster"),
	); err != nil {
		return nil, err
	}

	if g.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of publish errors"),
	); err != nil {
		return nil, err
	}

	if g.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of consume errors"),
	); err != nil {
		return nil, err
	}

	if g.recordsFlushed, err = meter.Int64Counter(
		"usage_records_flushed_total",
		metric.WithDescription("Total number of usage records posted to the directory"),
	); err != nil {
		return nil, err
	}

	if g.flushErrors, err = meter.Int64Counter(
		"usage_record_flush_errors_total",
		metric.WithDescription("Total number of failed usage record flushes"),
	); err != nil {
		return nil, err
	}

	return g, nil
}

func (g *Gateway) IncRequestSent(ctx context.Context, oid string) {
	g.requestsSent.Add(ctx, 1, metric.WithAttributes(attribute.String("oid", oid)))
}

func (g *Gateway) IncReplyReceived(ctx context.Context, oid string) {
	g.repliesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("oid", oid)))
}

func (g *Gateway) IncRequestTimeout(ctx context.Context, oid string) {
	g.requestTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("oid", oid)))
}

func (g *Gateway) IncStanzaDropped(ctx context.Context, oid, reason string) {
	g.stanzasDropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("oid", oid),
		attribute.String("reason", reason),
	))
}

func (g *Gateway) IncStanzaPublished(ctx context.Context, topic string) {
	g.stanzasPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (g *Gateway) IncStanzaConsumed(ctx context.Context, topic string) {
	g.stanzasConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (g *Gateway) IncPublishError(ctx context.Context, topic string) {
	g.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (g *Gateway) IncConsumeError(ctx context.Context, topic string) {
	g.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (g *Gateway) AddRecordsFlushed(ctx context.Context, count int) {
	g.recordsFlushed.Add(ctx, int64(count))
}

func (g *Gateway) IncFlushError(ctx context.Context) {
	g.flushErrors.Add(ctx, 1)
}
