// Package notify pushes admitted attendance to live session listeners. It
// is best effort and never on the admission path's correctness.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"attendguard/internal/attendance"
	"attendguard/internal/logging"
	"attendguard/internal/queue"
)

// TypeAdmitted marks attendance-admitted events.
const TypeAdmitted = "attendance.admitted"

// SessionTopic is the topic live listeners of a session subscribe to.
func SessionTopic(sessionID string) string { return "session:" + sessionID }

// Event is the payload listeners receive.
type Event struct {
	RecordID   string    `json:"record_id"`
	SessionID  string    `json:"session_id"`
	StudentID  string    `json:"student_id"`
	RollNumber string    `json:"roll_number"`
	RiskScore  int       `json:"risk_score"`
	Flags      []string  `json:"flags"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Publisher enqueues admission events for the worker to fan out.
type Publisher struct {
	queue queue.Queue
}

// NewPublisher creates a publisher onto q.
func NewPublisher(q queue.Queue) *Publisher {
	return &Publisher{queue: q}
}

// Admitted implements attendance.Notifier.
func (p *Publisher) Admitted(ctx context.Context, rec attendance.Record) error {
	body, err := json.Marshal(Event{
		RecordID:   rec.ID,
		SessionID:  rec.SessionID,
		StudentID:  rec.StudentID,
		RollNumber: rec.RollNumber,
		RiskScore:  rec.RiskScore,
		Flags:      rec.Flags,
		RecordedAt: rec.RecordedAt,
	})
	if err != nil {
		return err
	}
	return p.queue.Publish(ctx, queue.Message{Type: TypeAdmitted, Topic: SessionTopic(rec.SessionID), Body: body})
}

// Broadcaster delivers a payload to a topic's subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, topic string, payload []byte) error
}

// RedisBroadcaster uses Redis pub/sub channels named after topics.
type RedisBroadcaster struct {
	client *redis.Client
}

// NewRedisBroadcaster creates a broadcaster over client.
func NewRedisBroadcaster(client *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{client: client}
}

// Broadcast implements Broadcaster with PUBLISH.
func (b *RedisBroadcaster) Broadcast(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, topic, payload).Err()
}

// Relay drains the queue into a broadcaster until ctx is done.
type Relay struct {
	queue queue.Queue
	out   Broadcaster
	log   *zap.Logger
}

// NewRelay creates a relay from q to out.
func NewRelay(q queue.Queue, out Broadcaster, lg *zap.Logger) *Relay {
	return &Relay{queue: q, out: out, log: logging.OrNop(lg)}
}

// Run blocks until the queue's channel closes. Failed deliveries are logged
// and dropped.
func (r *Relay) Run(ctx context.Context) error {
	msgs, err := r.queue.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume queue: %w", err)
	}
	for msg := range msgs {
		if msg.Topic == "" {
			r.log.Warn("dropping message without topic", zap.String("type", msg.Type))
			continue
		}
		if err := r.out.Broadcast(ctx, msg.Topic, msg.Body); err != nil {
			r.log.Warn("broadcast failed", zap.String("topic", msg.Topic), zap.Error(err))
			continue
		}
		r.log.Debug("event broadcast", zap.String("topic", msg.Topic), zap.String("type", msg.Type))
	}
	return nil
}
