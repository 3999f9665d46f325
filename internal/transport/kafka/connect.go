package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/mvera/fedgate/pkg/common/logger"
)

// ConnectWithRetry attempts to construct the Kafka transport with exponential
// backoff. It retries failed attempts for up to 5 minutes, starting with 5
// second intervals. This helps handle temporary network issues or cluster
// unavailability during startup.
func ConnectWithRetry(cfg *Config, lg *logger.Logger, metrics Metrics, tracer trace.Tracer) (*Transport, error) {
	var t *Transport

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		var err error
		t, err = NewTransport(cfg, lg, metrics, tracer)
		if err != nil {
			lg.Warn(context.Background(), "Failed to connect to Kafka, will retry", "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka after retries: %w", err)
	}

	return t, nil
}
