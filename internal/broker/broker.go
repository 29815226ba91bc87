// Package broker announces task lifecycle events so that workers can wake
// up instead of polling.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

const Exchange = "zimfarm.tasks"

const (
	EventRequested   = "task.requested"
	EventUnrequested = "task.unrequested"
	EventReserved    = "task.reserved"
	EventCancel      = "task.cancel_requested"
	EventFinished    = "task.finished"
)

// Event is the JSON body of every message. It is routed by Queue.
type Event struct {
	Event        string    `json:"event"`
	TaskID       string    `json:"task_id"`
	ScheduleName string    `json:"schedule_name"`
	Queue        string    `json:"queue"`
	Status       string    `json:"status,omitempty"`
	At           time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event. It is used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQP publishes events to a topic exchange with the queue name as the
// routing key.
type AMQP struct {
	mu   sync.Mutex
	conn *amqp.Connection
	ch   channel
}

// DialAMQP connects, retrying with a linear backoff, and declares the exchange.
func DialAMQP(ctx context.Context, url string, attempts int) (*AMQP, error) {
	var err error
	for i := 1; i <= attempts; i++ {
		var conn *amqp.Connection
		conn, err = amqp.Dial(url)
		if err == nil {
			var ch *amqp.Channel
			ch, err = conn.Channel()
			if err == nil {
				err = ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil)
				if err == nil {
					return &AMQP{conn: conn, ch: ch}, nil
				}
			}
			_ = conn.Close()
		}
		log.Warn().Err(err).Int("attempt", i).Int("max_attempts", attempts).Msg("amqp connect failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i) * time.Second):
		}
	}
	return nil, fmt.Errorf("amqp connect after %d attempts: %w", attempts, err)
}

func (a *AMQP) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	err = a.ch.PublishWithContext(ctx, Exchange, e.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         e.Event,
		MessageId:    e.TaskID,
		Timestamp:    e.At,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.Event, err)
	}
	return nil
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.ch.Close()
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
