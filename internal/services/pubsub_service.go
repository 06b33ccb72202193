package services

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

// PubSubService relays training events across instances via Redis pub/sub.
// A user can start training against one instance and watch it from another;
// each instance republishes remote events into its local TrainingEventBus.
type PubSubService struct {
	redis      *RedisService
	pubsub     *redis.PubSub
	bus        *TrainingEventBus
	instanceID string
	ctx        context.Context
	cancel     context.CancelFunc
}

// PubSubMessage represents a training event sent via pub/sub
type PubSubMessage struct {
	Type       string      `json:"type"`
	UserID     string      `json:"userId"`
	InstanceID string      `json:"instanceId"` // Source instance ID
	Payload    interface{} `json:"payload,omitempty"`
}

// NewPubSubService creates a new pub/sub relay
func NewPubSubService(redisService *RedisService, bus *TrainingEventBus, instanceID string) *PubSubService {
	ctx, cancel := context.WithCancel(context.Background())
	return &PubSubService{
		redis:      redisService,
		bus:        bus,
		instanceID: instanceID,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins listening for training events from other instances
func (s *PubSubService) Start() error {
	client := s.redis.Client()

	s.pubsub = client.PSubscribe(s.ctx, "user:*:training")

	// Wait for subscription confirmation
	if _, err := s.pubsub.Receive(s.ctx); err != nil {
		return err
	}

	go s.processMessages()

	log.Printf("✅ [PUBSUB] Started listening for training events (instance: %s)", s.instanceID)
	return nil
}

// processMessages handles incoming pub/sub messages
func (s *PubSubService) processMessages() {
	ch := s.pubsub.Channel()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handleMessage(msg)
		}
	}
}

// handleMessage republishes a remote training event into the local bus
func (s *PubSubService) handleMessage(msg *redis.Message) {
	var message PubSubMessage
	if err := json.Unmarshal([]byte(msg.Payload), &message); err != nil {
		log.Printf("⚠️ [PUBSUB] Failed to unmarshal message: %v", err)
		return
	}

	// Skip messages from this instance (avoid loops)
	if message.InstanceID == s.instanceID {
		return
	}

	s.bus.Publish(message.UserID, TrainingEvent{
		Type: message.Type,
		Data: message.Payload,
	})
}

// PublishTrainingEvent publishes a training event to the user's channel so
// other instances can forward it to their subscribers
func (s *PubSubService) PublishTrainingEvent(ctx context.Context, userID string, event TrainingEvent) error {
	message := &PubSubMessage{
		Type:       event.Type,
		UserID:     userID,
		InstanceID: s.instanceID,
		Payload:    event.Data,
	}

	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	channel := "user:" + userID + ":training"
	return s.redis.Client().Publish(ctx, channel, data).Err()
}

// Stop stops the pub/sub relay
func (s *PubSubService) Stop() error {
	s.cancel()
	if s.pubsub != nil {
		return s.pubsub.Close()
	}
	return nil
}
