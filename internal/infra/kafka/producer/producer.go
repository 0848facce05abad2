package producer

import (
	"context"
	"encoding/json"
	"fmt"

	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"

	"github.com/aliskhannn/delivery-frames/internal/config"
	"github.com/aliskhannn/delivery-frames/internal/model"
)

// Producer publishes delivery requests to Kafka.
type Producer struct {
	Client   *wbfkafka.Producer
	strategy retry.Strategy
	cfg      *config.Kafka
}

// New creates a new Producer.
// - cfg: Kafka configuration struct
// - s: retry strategy
func New(
	cfg *config.Kafka,
	s retry.Strategy,
) *Producer {
	producer := wbfkafka.NewProducer(cfg.Brokers, cfg.Topic)

	return &Producer{
		Client:   producer,
		cfg:      cfg,
		strategy: s,
	}
}

// Publish serializes the request to JSON and sends it to Kafka.
// The delivery ID is used as the message key so redeliveries of the same
// delivery land on the same partition.
func (p *Producer) Publish(ctx context.Context, req model.DeliveryRequest) error {
	data, err := Encode(req)
	if err != nil {
		return err
	}

	key := []byte(req.ID.String())

	if err = p.Client.SendWithRetry(ctx, p.strategy, key, data); err != nil {
		return fmt.Errorf("failed to send delivery request: %w", err)
	}

	return nil
}

// Encode returns the wire form of req.
func Encode(req model.DeliveryRequest) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal delivery request: %w", err)
	}
	return data, nil
}
