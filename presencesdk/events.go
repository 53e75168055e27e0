package presencesdk

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/xerrors"
)

// ErrUnknownEventType is returned by DecodeEvent for payloads whose type is
// not one of the three presence event kinds.
var ErrUnknownEventType = xerrors.New("unknown presence event type")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Record is a single presence announcement. It is transient and never
// persisted.
type Record struct {
	MemberID string    `json:"member_id" validate:"required"`
	OnlineAt time.Time `json:"online_at"`
}

// Validate reports whether the record names a member.
func (r Record) Validate() error {
	if err := validate.Struct(r); err != nil {
		return xerrors.Errorf("invalid presence record: %w", err)
	}
	return nil
}

type EventKind string

const (
	EventKindSync  EventKind = "sync"
	EventKindJoin  EventKind = "join"
	EventKindLeave EventKind = "leave"
)

// Event is one of FullSync, Join or Leave.
type Event interface {
	Kind() EventKind
	// Records returns the records carried by the event. For a FullSync
	// this is the complete roster.
	Records() []Record

	isEvent()
}

// FullSync is a complete roster snapshot, sent on every (re)subscription.
type FullSync struct {
	Roster []Record
}

func (FullSync) Kind() EventKind { return EventKindSync }
func (e FullSync) Records() []Record { return e.Roster }
func (FullSync) isEvent() {}

// Join names members that started being present.
type Join struct {
	Members []Record
}

func (Join) Kind() EventKind { return EventKindJoin }
func (e Join) Records() []Record { return e.Members }
func (Join) isEvent() {}

// Leave names members that stopped being present.
type Leave struct {
	Members []Record
}

func (Leave) Kind() EventKind { return EventKindLeave }
func (e Leave) Records() []Record { return e.Members }
func (Leave) isEvent() {}

// NewEvent builds the event of the given kind.
func NewEvent(kind EventKind, records []Record) (Event, error) {
	switch kind {
	case EventKindSync:
		return FullSync{Roster: records}, nil
	case EventKindJoin:
		return Join{Members: records}, nil
	case EventKindLeave:
		return Leave{Members: records}, nil
	default:
		return nil, xerrors.Errorf("%w: %q", ErrUnknownEventType, kind)
	}
}

type wireEvent struct {
	Type    EventKind         `json:"type"`
	Members []json.RawMessage `json:"members"`
}

// EncodeEvent returns the wire form of an event.
func EncodeEvent(ev Event) ([]byte, error) {
	records := ev.Records()
	members := make([]json.RawMessage, 0, len(records))
	for _, record := range records {
		raw, err := json.Marshal(record)
		if err != nil {
			return nil, xerrors.Errorf("marshal record %q: %w", record.MemberID, err)
		}
		members = append(members, raw)
	}
	data, err := json.Marshal(wireEvent{Type: ev.Kind(), Members: members})
	if err != nil {
		return nil, xerrors.Errorf("marshal %s event: %w", ev.Kind(), err)
	}
	return data, nil
}

// DecodeEvent decodes and validates a presence event payload. Records that
// fail to decode or carry no member ID are skipped and counted in dropped;
// the rest of the event is still returned. Payloads that are not JSON or
// have an unknown type return an error.
func DecodeEvent(data []byte) (ev Event, dropped int, err error) {
	var wire wireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, 0, xerrors.Errorf("unmarshal presence event: %w", err)
	}

	records := make([]Record, 0, len(wire.Members))
	for _, raw := range wire.Members {
		var record Record
		if err := json.Unmarshal(raw, &record); err != nil {
			dropped++
			continue
		}
		if record.Validate() != nil {
			dropped++
			continue
		}
		records = append(records, record)
	}

	ev, err = NewEvent(wire.Type, records)
	if err != nil {
		return nil, dropped, err
	}
	return ev, dropped, nil
}
