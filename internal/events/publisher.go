package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/kafka"
)

// Publisher emits events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type producer interface {
	Publish(ctx context.Context, m kafka.Message) error
	Close() error
}

// KafkaPublisher routes each event to its family's topic, keyed by entity
// id so all events of one accommodation share a partition.
type KafkaPublisher struct {
	producers map[Family]producer
	fallback  producer
	logger    *slog.Logger
}

// NewKafkaPublisher opens one producer per family topic.
func NewKafkaPublisher(cfg config.KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{
		producers: map[Family]producer{
			FamilyAccommodation: kafka.NewProducer(cfg, cfg.Topics.AccommodationEvents),
			FamilyReviewSummary: kafka.NewProducer(cfg, cfg.Topics.ReviewEvents),
			FamilyReservation:   kafka.NewProducer(cfg, cfg.Topics.ReservationEvents),
		},
		logger: slog.Default().With("component", "event-publisher"),
	}
}

// NewRetryPublisher sends every event to the retry topic regardless of
// family.
func NewRetryPublisher(cfg config.KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{
		fallback: kafka.NewProducer(cfg, cfg.Topics.IndexRetry),
		logger:   slog.Default().With("component", "retry-publisher"),
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	prod, ok := p.producers[e.Kind.Family()]
	if !ok {
		prod = p.fallback
	}
	if prod == nil {
		return fmt.Errorf("no topic for event family %q", e.Kind.Family())
	}
	if err := prod.Publish(ctx, kafka.Message{Key: strconv.FormatInt(e.EntityID, 10), Value: e}); err != nil {
		return fmt.Errorf("publishing %s: %w", e, err)
	}
	p.logger.Debug("event published", "event", e.String())
	return nil
}

func (p *KafkaPublisher) Close() error {
	var errs []error
	for _, prod := range p.producers {
		errs = append(errs, prod.Close())
	}
	if p.fallback != nil {
		errs = append(errs, p.fallback.Close())
	}
	return errors.Join(errs...)
}
