package coordination

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/caliberdev/caliber/pkg/errors"
	"github.com/caliberdev/caliber/pkg/event"
	"github.com/caliberdev/caliber/pkg/eventdag"
	"github.com/caliberdev/caliber/pkg/ids"
	"github.com/caliberdev/caliber/pkg/journal"
)

// MessagePriority orders a Message relative to others addressed to the same
// recipient. Priority is advisory metadata only — delivery stays in send
// order per sender/recipient pair regardless of priority; a façade inbox
// view may choose to resurface Critical messages first, but the core makes
// no such reordering itself.
type MessagePriority string

const (
	PriorityLow      MessagePriority = "low"
	PriorityNormal   MessagePriority = "normal"
	PriorityHigh     MessagePriority = "high"
	PriorityCritical MessagePriority = "critical"
)

// Message is the projected, read-only view of an inter-agent payload.
type Message struct {
	ID          ids.ID
	Tenant      ids.TenantID
	From        ids.ID
	To          ids.ID
	Priority    MessagePriority
	Payload     []byte
	SentAt      time.Time
	DeliveredAt time.Time
	ReadAt      time.Time
	Seq         uint64
}

type messageSentPayload struct {
	EntityID ids.ID          `json:"entity_id"`
	From     ids.ID          `json:"from"`
	To       ids.ID          `json:"to"`
	Priority MessagePriority `json:"priority"`
	Payload  []byte          `json:"payload"`
	SentAt   time.Time       `json:"sent_at"`
}

type messageReadPayload struct {
	EntityID ids.ID    `json:"entity_id"`
	ReaderID ids.ID    `json:"reader_id"`
	ReadAt   time.Time `json:"read_at"`
}

// MessageQueue implements at-least-once inter-agent messaging.
// Delivery order is preserved per (from, to) pair because
// every Message folds from its own creation event's seq, and seq is a
// total order within a tenant.
type MessageQueue struct {
	base
}

// NewMessageQueue returns a MessageQueue backed by dag.
func NewMessageQueue(dag eventdag.Store, notifier journal.Notifier, logger *slog.Logger) *MessageQueue {
	return &MessageQueue{base: newBase(dag, notifier, logger)}
}

// Send appends a message.sent event. Delivery is considered immediate in
// this single-store model: DeliveredAt is stamped at send time, since there
// is no separate transport hop to await.
func (q *MessageQueue) Send(ctx context.Context, tenant ids.TenantID, from, to ids.ID, priority MessagePriority, payload []byte) (ids.ID, error) {
	if to.IsZero() {
		return ids.Zero, errors.New(errors.CodeValidationRequired, "coordination: message recipient is required")
	}
	if priority == "" {
		priority = PriorityNormal
	}

	id := ids.New()
	now := time.Now().UTC()
	body, err := json.Marshal(messageSentPayload{
		EntityID: id,
		From:     from,
		To:       to,
		Priority: priority,
		Payload:  payload,
		SentAt:   now,
	})
	if err != nil {
		return ids.Zero, errors.Wrap(err, errors.CodeInternal, "coordination: failed to encode message.sent payload")
	}
	stored, err := q.appendWithID(ctx, tenant, id, event.KindMessageSent, from, body)
	if err != nil {
		return ids.Zero, err
	}
	return stored.ID, nil
}

// MarkRead appends a message.read event recording that reader consumed
// messageID.
func (q *MessageQueue) MarkRead(ctx context.Context, tenant ids.TenantID, messageID, reader ids.ID) error {
	msg, err := q.Get(ctx, tenant, messageID)
	if err != nil {
		return err
	}
	if !msg.ReadAt.IsZero() {
		return nil
	}
	payload, err := json.Marshal(messageReadPayload{EntityID: messageID, ReaderID: reader, ReadAt: time.Now().UTC()})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "coordination: failed to encode message.read payload")
	}
	_, err = q.appendEvent(ctx, tenant, event.KindMessageRead, reader, payload)
	return err
}

// Get folds every message.* event addressed to id.
func (q *MessageQueue) Get(ctx context.Context, tenant ids.TenantID, id ids.ID) (*Message, error) {
	events, err := scanKind(ctx, q.dag, tenant, event.KindMessageSent, event.KindMessageRead)
	if err != nil {
		return nil, err
	}
	msg, err := foldMessage(id, events)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, errors.Newf(errors.CodeNotFoundResource, "coordination: message %s not found", id)
	}
	msg.Tenant = tenant
	return msg, nil
}

func foldMessage(id ids.ID, events []*event.Event) (*Message, error) {
	sortBySeq(events)

	var msg *Message
	for _, e := range events {
		switch e.Kind {
		case event.KindMessageSent:
			var p messageSentPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, errors.Wrap(err, errors.CodeStoreMalformed, "coordination: bad message.sent payload")
			}
			if p.EntityID != id {
				continue
			}
			msg = &Message{
				ID:          p.EntityID,
				From:        p.From,
				To:          p.To,
				Priority:    p.Priority,
				Payload:     p.Payload,
				SentAt:      p.SentAt,
				DeliveredAt: p.SentAt,
				Seq:         e.MonotonicSeq,
			}
		case event.KindMessageRead:
			if msg == nil {
				continue
			}
			var p messageReadPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, errors.Wrap(err, errors.CodeStoreMalformed, "coordination: bad message.read payload")
			}
			if p.EntityID != id {
				continue
			}
			// Seq deliberately stays at the sent event's value: messages
			// list in send order, and marking one read must not reorder it.
			msg.ReadAt = p.ReadAt
		}
	}
	return msg, nil
}

// List returns messages addressed to recipient, ordered by send seq
// ascending. When unreadOnly is true, already-read
// messages are excluded.
func (q *MessageQueue) List(ctx context.Context, tenant ids.TenantID, recipient ids.ID, unreadOnly bool, p Pagination) (Page[*Message], error) {
	events, err := scanKind(ctx, q.dag, tenant, event.KindMessageSent, event.KindMessageRead)
	if err != nil {
		return Page[*Message]{}, err
	}

	byID := make(map[ids.ID][]*event.Event)
	var order []ids.ID
	for _, e := range events {
		var id ids.ID
		switch e.Kind {
		case event.KindMessageSent:
			var pl messageSentPayload
			if err := json.Unmarshal(e.Payload, &pl); err == nil {
				id = pl.EntityID
			}
		case event.KindMessageRead:
			var pl messageReadPayload
			if err := json.Unmarshal(e.Payload, &pl); err == nil {
				id = pl.EntityID
			}
		}
		if id.IsZero() {
			continue
		}
		if _, seen := byID[id]; !seen {
			order = append(order, id)
		}
		byID[id] = append(byID[id], e)
	}

	var msgs []*Message
	for _, id := range order {
		msg, err := foldMessage(id, byID[id])
		if err != nil {
			return Page[*Message]{}, err
		}
		if msg == nil || msg.To != recipient {
			continue
		}
		if unreadOnly && !msg.ReadAt.IsZero() {
			continue
		}
		msg.Tenant = tenant
		msgs = append(msgs, msg)
	}

	return paginate(msgs, func(m *Message) uint64 { return m.Seq }, p), nil
}
