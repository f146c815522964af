package communicator

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/bilal/openmon-agent/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// Journal publishes the final fate of every payload to Kafka. Writes are
// asynchronous so a slow broker never stalls the dispatcher loop.
type Journal struct {
	writer *kafka.Writer
	agent  string
}

// NewJournal initializes the Kafka writer
func NewJournal(cfg *config.Config) (*Journal, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Warn().Err(err).Int("count", len(messages)).Msg("journal write failed")
			}
		},
	}

	log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka journal initialized")

	return &Journal{
		writer: writer,
		agent:  cfg.Agent.Name,
	}, nil
}

// Observe publishes a delivery event.
func (j *Journal) Observe(ctx context.Context, d Delivery) {
	if d.Agent == "" {
		d.Agent = j.agent
	}
	msg, err := encodeDelivery(d)
	if err != nil {
		log.Error().Err(err).Msg("marshal delivery event failed")
		return
	}
	if err := j.writer.WriteMessages(ctx, msg); err != nil {
		log.Warn().Err(err).Uint32("cid", d.ControllerID).Msg("journal publish failed")
	}
}

// Close flushes and shuts down the Kafka writer
func (j *Journal) Close() error {
	log.Info().Msg("closing kafka journal")
	return j.writer.Close()
}

// encodeDelivery keys messages by controller id so each controller's events
// stay ordered within one partition.
func encodeDelivery(d Delivery) (kafka.Message, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(d.ControllerID), 10)),
		Value: data,
		Headers: []kafka.Header{
			{Key: "correlation_id", Value: []byte(d.CorrelationID)},
			{Key: "outcome", Value: []byte(d.Outcome)},
		},
	}, nil
}
