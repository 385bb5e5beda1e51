package notify

import (
	"context"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"emergency-orchestrator/internal/emergency"
)

type logChannel struct{}

// NewLogChannel records every event in the service log.
func NewLogChannel() Channel {
	return logChannel{}
}

func (logChannel) Name() string { return "log" }

func (logChannel) Deliver(_ context.Context, ev emergency.Event) error {
	fields := log.Fields{
		"event":    ev.Type,
		"case_id":  ev.Case.ID,
		"state":    ev.Case.State,
		"decision": ev.Case.Decision,
	}
	if a := ev.Case.Assessment; a != nil {
		fields["score"] = a.Score
	}
	log.WithFields(fields).Info("case event")
	return nil
}

// MessageSender posts plain text to a chat.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// audience selects which events reach a chat and how they are worded.
type audience struct {
	name   string
	render func(ev emergency.Event) (string, bool)
}

var (
	operationsAudience = audience{name: "telegram.operations", render: func(ev emergency.Event) (string, bool) {
		return OperationsMessage(ev), true
	}}
	familyAudience = audience{name: "telegram.family", render: FamilyMessage}
)

type telegramChannel struct {
	sender   MessageSender
	chatID   int64
	audience audience
}

// NewTelegramChannels returns one channel per configured chat: every event
// goes to the operations chat, the family-facing subset to the family chat.
// A zero chat id disables that audience. Each audience is delivered and
// retried on its own so a failure in one never repeats a message in the other.
func NewTelegramChannels(sender MessageSender, operationsChatID, familyChatID int64) []Channel {
	var out []Channel
	if operationsChatID != 0 {
		out = append(out, &telegramChannel{sender: sender, chatID: operationsChatID, audience: operationsAudience})
	}
	if familyChatID != 0 {
		out = append(out, &telegramChannel{sender: sender, chatID: familyChatID, audience: familyAudience})
	}
	return out
}

func (c *telegramChannel) Name() string { return c.audience.name }

func (c *telegramChannel) Deliver(ctx context.Context, ev emergency.Event) error {
	text, ok := c.audience.render(ev)
	if !ok {
		return nil
	}
	return c.sender.SendMessage(ctx, c.chatID, text)
}

// Publisher publishes a JSON message under a routing key.
type Publisher interface {
	PublishWithRoutingKey(ctx context.Context, routingKey string, message any) error
}

// CaseEvent is the broker representation of an event.
type CaseEvent struct {
	EventID    uuid.UUID               `json:"event_id"`
	Type       emergency.EventType     `json:"type"`
	OccurredAt time.Time               `json:"occurred_at"`
	Case       emergency.EmergencyCase `json:"case"`
}

type brokerChannel struct {
	publisher Publisher
}

// NewBrokerChannel publishes events to a message broker with the event type
// as routing key.
func NewBrokerChannel(p Publisher) Channel {
	return &brokerChannel{publisher: p}
}

func (c *brokerChannel) Name() string { return "broker" }

func (c *brokerChannel) Deliver(ctx context.Context, ev emergency.Event) error {
	return c.publisher.PublishWithRoutingKey(ctx, string(ev.Type), CaseEvent{
		EventID:    uuid.New(),
		Type:       ev.Type,
		OccurredAt: ev.At,
		Case:       ev.Case,
	})
}
