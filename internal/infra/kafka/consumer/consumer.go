package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/delivery-frames/internal/config"
)

// fetchBackoff is the pause after fetching failed even with retries.
const fetchBackoff = 500 * time.Millisecond

// requestedHandler handles delivery request messages.
type requestedHandler interface {
	Handle(ctx context.Context, msg kafka.Message) error
}

// Consumer represents a Kafka consumer along with its configuration
// and the handler that processes delivery requests.
type Consumer struct {
	Client           *wbfkafka.Consumer
	requestedHandler requestedHandler
	cfg              *config.Kafka
	strategy         retry.Strategy
}

// New creates a new Consumer.
// - cfg: Kafka configuration struct
// - s: retry strategy
// - rh: handler for delivery request messages
func New(
	cfg *config.Kafka,
	s retry.Strategy,
	rh requestedHandler,
) *Consumer {
	consumer := wbfkafka.NewConsumer(cfg.Brokers, cfg.Topic, cfg.GroupID)

	return &Consumer{
		Client:           consumer,
		requestedHandler: rh,
		cfg:              cfg,
		strategy:         s,
	}
}

// Consume continuously fetches messages from Kafka, processes them using the handler,
// and commits offsets after successful processing. It stops gracefully on context cancellation.
func (c *Consumer) Consume(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	zlog.Logger.Info().
		Str("topic", c.cfg.Topic).
		Msg("starting consumer")

	for {
		// Exit if context is canceled (graceful shutdown).
		if ctx.Err() != nil {
			zlog.Logger.Info().Msg("shutdown signal received, stopping consumer")
			return
		}

		// Fetch a message from Kafka with retries.
		var msg kafka.Message
		err := retry.Do(func() error {
			var fetchErr error
			msg, fetchErr = c.Client.Fetch(ctx)
			return fetchErr
		}, c.strategy)

		if err != nil {
			zlog.Logger.Err(err).Msg("failed to fetch message")

			select {
			case <-ctx.Done():
			case <-time.After(fetchBackoff):
			}
			continue
		}

		if !c.handle(ctx, msg) {
			continue
		}

		// Commit the message with retries.
		err = retry.Do(func() error {
			return c.Client.Commit(ctx, msg)
		}, c.strategy)
		if err != nil {
			zlog.Logger.Err(err).Msg("failed to commit message after retries")
			continue
		}

		zlog.Logger.Info().
			Int64("offset", msg.Offset).
			Str("key", string(msg.Key)).
			Msg("message committed")
	}
}

// handle runs the handler under the retry strategy and reports whether the
// message should be committed. Permanent failures are committed at once;
// transient ones are retried and left uncommitted if they keep failing.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	var permanent error
	err := retry.Do(func() error {
		if ctx.Err() != nil {
			return nil
		}
		err := c.requestedHandler.Handle(ctx, msg)
		if IsPermanent(err) {
			permanent = err
			return nil
		}
		return err
	}, c.strategy)

	switch {
	case ctx.Err() != nil:
		return false
	case permanent != nil:
		zlog.Logger.Err(permanent).
			Str("key", string(msg.Key)).
			Msg("dropping delivery request that cannot be processed")
		return true
	case err != nil:
		zlog.Logger.Err(err).
			Str("key", string(msg.Key)).
			Msg("failed to process delivery request after retries")
		return false
	}

	return true
}
