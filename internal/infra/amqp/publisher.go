package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"quiz-session-engine/internal/domain"
)

const (
	DefaultExchange   = "quiz.events"
	RoutingSessionEnd = "session.ended"
)

// SessionEndedMessage is the body published when a session's results are final.
type SessionEndedMessage struct {
	GameCode string                `json:"gameCode"`
	EndedAt  time.Time             `json:"endedAt"`
	Results  []domain.ResultRecord `json:"results"`
}

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher announces finished sessions on a topic exchange so that downstream
// services (profiles, analytics) can consume results.
type Publisher struct {
	conn     *amqp091.Connection
	channel  channel
	exchange string
	now      func() time.Time
	logger   *slog.Logger
}

// NewPublisher dials RabbitMQ and declares the exchange.
func NewPublisher(uri, exchange string, logger *slog.Logger) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp091.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	logger.Info("event publisher initialized", "exchange", exchange)

	p := newPublisher(ch, exchange, logger)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange string, logger *slog.Logger) *Publisher {
	return &Publisher{channel: ch, exchange: exchange, now: time.Now, logger: logger}
}

// ObserveResults publishes a session.ended message carrying the final records.
func (p *Publisher) ObserveResults(ctx context.Context, gameCode string, records []domain.ResultRecord) error {
	now := p.now()
	body, err := json.Marshal(SessionEndedMessage{GameCode: gameCode, EndedAt: now, Results: records})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = p.channel.PublishWithContext(ctx,
		p.exchange,        // exchange
		RoutingSessionEnd, // routing key
		false,             // mandatory
		false,             // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    now,
			Body:         body,
			Headers: amqp091.Table{
				"event_type": RoutingSessionEnd,
				"game_code":  gameCode,
			},
		},
	)
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	p.logger.Debug("published event", "routingKey", RoutingSessionEnd, "gameCode", gameCode, "records", len(records))
	return nil
}

func (p *Publisher) Close() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Warn("close rabbitmq channel", "error", err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("close rabbitmq connection: %w", err)
		}
	}
	return nil
}
