package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-judge-api/internal/dto"
	"github.com/noah-isme/gema-judge-api/internal/observability"
)

const submissionEventBufferSize = 16

// SubmissionEventBus fans committed ledger events out to this node's subscribers
// and to other nodes over redis pub/sub and NATS.
type SubmissionEventBus interface {
	Publish(ctx context.Context, event dto.SubmissionEvent)
	Subscribe(contestID uint) (<-chan dto.SubmissionEvent, func())
	Start(ctx context.Context)
}

type submissionEventBus struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	broker       *submissionBroker
	nodeID       string
}

type submissionEnvelope struct {
	Source string              `json:"source"`
	Event  dto.SubmissionEvent `json:"event"`
	SentAt time.Time           `json:"sent_at"`
}

type submissionBroker struct {
	mu          sync.RWMutex
	subscribers map[uint]map[chan dto.SubmissionEvent]struct{}
}

// NewSubmissionEventBus constructs the event bus. Redis and NATS are optional.
func NewSubmissionEventBus(redisClient *redis.Client, channelBase string, natsConn *nats.Conn, logger zerolog.Logger) SubmissionEventBus {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":submissions"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".submissions"
	}

	return &submissionEventBus{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		logger:       logger.With().Str("component", "submission_event_bus").Logger(),
		broker: &submissionBroker{
			subscribers: make(map[uint]map[chan dto.SubmissionEvent]struct{}),
		},
		nodeID: uuid.NewString(),
	}
}

func (b *submissionEventBus) Start(ctx context.Context) {
	if b.redis != nil && b.redisChannel != "" {
		go b.consumeRedis(ctx)
	}
	if b.nats != nil && b.natsSubject != "" {
		go b.consumeNATS(ctx)
	}
}

// Publish delivers the event locally and to other nodes. Transport failures are logged only.
func (b *submissionEventBus) Publish(ctx context.Context, event dto.SubmissionEvent) {
	b.broker.broadcast(event)

	envelope := submissionEnvelope{
		Source: b.nodeID,
		Event:  event,
		SentAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to encode submission event")
		return
	}

	if b.redis != nil && b.redisChannel != "" {
		if err := b.redis.Publish(ctx, b.redisChannel, payload).Err(); err != nil {
			b.logger.Warn().Err(err).Uint("submission_id", event.Submission.ID).Msg("failed to publish submission event to redis")
		}
	}

	if b.nats != nil && b.natsSubject != "" {
		if err := b.nats.Publish(b.natsSubject, payload); err != nil {
			b.logger.Warn().Err(err).Uint("submission_id", event.Submission.ID).Msg("failed to publish submission event to nats")
		}
	}
}

// Subscribe streams events of one contest. Contest id 0 receives every event.
func (b *submissionEventBus) Subscribe(contestID uint) (<-chan dto.SubmissionEvent, func()) {
	ch := make(chan dto.SubmissionEvent, submissionEventBufferSize)
	b.broker.subscribe(contestID, ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.broker.unsubscribe(contestID, ch) })
	}
}

func (b *submissionEventBus) consumeRedis(ctx context.Context) {
	pubsub := b.redis.Subscribe(ctx, b.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			b.logger.Error().Err(err).Msg("submission redis subscription closed")
			return
		}
		b.handleEnvelope("redis", []byte(msg.Payload))
	}
}

func (b *submissionEventBus) consumeNATS(ctx context.Context) {
	sub, err := b.nats.Subscribe(b.natsSubject, func(msg *nats.Msg) {
		b.handleEnvelope("nats", msg.Data)
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to subscribe to nats submissions subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to drain submission nats subscription")
		}
	}()
}

// handleEnvelope forwards events from other nodes. A node hearing the same event on
// both transports broadcasts it twice; subscribers only use events as refresh signals.
func (b *submissionEventBus) handleEnvelope(transport string, payload []byte) {
	var envelope submissionEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		b.logger.Warn().Err(err).Str("transport", transport).Msg("invalid submission event payload")
		return
	}

	if envelope.Source == b.nodeID {
		return
	}

	observability.SubmissionEventsReceived().WithLabelValues(transport).Inc()
	b.broker.broadcast(envelope.Event)
}

func (b *submissionBroker) subscribe(contestID uint, ch chan dto.SubmissionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[contestID]; !exists {
		b.subscribers[contestID] = make(map[chan dto.SubmissionEvent]struct{})
	}
	b.subscribers[contestID][ch] = struct{}{}
}

func (b *submissionBroker) unsubscribe(contestID uint, ch chan dto.SubmissionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[contestID]; ok {
		if _, present := subscribers[ch]; !present {
			return
		}
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, contestID)
		}
	}
}

func (b *submissionBroker) broadcast(event dto.SubmissionEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	targets := []uint{0}
	if event.ContestID != nil && *event.ContestID != 0 {
		targets = append(targets, *event.ContestID)
	}

	for _, contestID := range targets {
		for ch := range b.subscribers[contestID] {
			select {
			case ch <- event:
			default:
			}
		}
	}
}
