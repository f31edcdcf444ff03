package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	domain "github.com/pantryline/checkout-api/internal/domain"
)

// OrderPlacedMessage is the wire payload published when an order is finalised.
type OrderPlacedMessage struct {
	OrderID          string    `json:"orderId"`
	PaymentReference string    `json:"paymentReference"`
	DeliveryType     string    `json:"deliveryType"`
	Currency         string    `json:"currency"`
	TotalMinorUnits  int64     `json:"totalMinorUnits"`
	TrackingURL      string    `json:"trackingUrl,omitempty"`
	PlacedAt         time.Time `json:"placedAt"`
}

// PubSubOrderPublisher publishes order-placed events to a Pub/Sub topic.
type PubSubOrderPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubOrderPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderPublisher(topic *pubsub.Topic) (*PubSubOrderPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order publisher: topic is required")
	}
	return &PubSubOrderPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderPlaced enqueues an order-placed event on the configured topic.
func (p *PubSubOrderPublisher) PublishOrderPlaced(ctx context.Context, order domain.Order) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order publisher: not initialised")
	}

	message := OrderPlacedMessage{
		OrderID:          order.ID,
		PaymentReference: order.PaymentReference,
		DeliveryType:     string(order.DeliveryType),
		Currency:         order.Breakdown.Currency,
		TotalMinorUnits:  order.Breakdown.Total,
		TrackingURL:      order.TrackingURL,
		PlacedAt:         order.CreatedAt.UTC(),
	}

	data, err := p.marshal(message)
	if err != nil {
		return fmt.Errorf("marshal order placed event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "orderId", order.ID)
	setAttr(attrs, "paymentReference", order.PaymentReference)
	setAttr(attrs, "deliveryType", string(order.DeliveryType))

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish order placed event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
