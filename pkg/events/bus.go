package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// Channels carried by the bus. Room traffic is membership and lifecycle;
// game traffic is everything a running game emits (playback, pitch, scores,
// time sync).
const (
	ChannelRoomEvents = "room-events"
	ChannelGameEvents = "game-events"
)

// Event is a room-scoped message relayed between server processes. Origin is
// the publishing process's instance id; subscribers skip their own events
// because the publisher already delivered them to its local sockets.
type Event struct {
	Type      string          `json:"type"`
	RoomCode  string          `json:"room_code"`
	Origin    string          `json:"origin"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func NewEvent(eventType, roomCode, origin string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return Event{
		Type:      eventType,
		RoomCode:  roomCode,
		Origin:    origin,
		Timestamp: time.Now(),
		Payload:   data,
	}, nil
}

type Handler func(channel string, event Event)

// Bus fans room-scoped events out to every server process. Each process
// consumes with a unique group id so all of them observe every message;
// delivery to clients is the subscriber's local re-broadcast.
type Bus struct {
	brokers []string
	groupID string
	writers map[string]*kafka.Writer
}

func NewBus(brokers []string, groupID string) *Bus {
	writers := make(map[string]*kafka.Writer, 2)
	for _, channel := range []string{ChannelRoomEvents, ChannelGameEvents} {
		writers[channel] = &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    channel,
			Balancer: &kafka.LeastBytes{},
		}
	}
	return &Bus{
		brokers: brokers,
		groupID: groupID,
		writers: writers,
	}
}

// Publish is fire-and-forget: at-most-once is acceptable for this traffic,
// so failures are logged by the caller and never surfaced to clients.
func (b *Bus) Publish(ctx context.Context, channel string, event Event) error {
	writer, ok := b.writers[channel]
	if !ok {
		return fmt.Errorf("unknown channel %q", channel)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(uuid.New().String()),
		Value: data,
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Subscribe starts one consumer per channel and invokes the handler for every
// event until the context is canceled. Consumer failures degrade the system
// to single-process delivery; they never propagate.
func (b *Bus) Subscribe(ctx context.Context, handler Handler) {
	for channel := range b.writers {
		go b.consume(ctx, channel, handler)
	}
}

func (b *Bus) consume(ctx context.Context, channel string, handler Handler) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.brokers,
		Topic:       channel,
		GroupID:     b.groupID,
		StartOffset: kafka.LastOffset,
	})
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("channel", channel).Msg("bus read failed, retrying")
			time.Sleep(time.Second)
			continue
		}

		var event Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			log.Warn().Err(err).Str("channel", channel).Msg("dropping malformed bus event")
			continue
		}

		handler(channel, event)
	}
}

func (b *Bus) Close() error {
	for _, writer := range b.writers {
		if err := writer.Close(); err != nil {
			return fmt.Errorf("failed to close writer: %w", err)
		}
	}
	return nil
}
