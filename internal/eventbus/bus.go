package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Bus is the Event Store of spec §4.2.
type Bus struct {
	log       *log
	transport transport
}

// New creates a Bus whose durable log shares db (typically the same
// connection internal/store.Store opened) and whose live fan-out is
// in-process only.
func New(db *sql.DB) (*Bus, error) {
	l, err := newLog(db)
	if err != nil {
		return nil, err
	}
	return &Bus{log: l, transport: newMemoryTransport()}, nil
}

// NewWithRedis is like New but fans live envelopes out over Redis so
// multiple harness processes can share subscribers.
func NewWithRedis(db *sql.DB, client *redis.Client) (*Bus, error) {
	l, err := newLog(db)
	if err != nil {
		return nil, err
	}
	return &Bus{log: l, transport: newRedisTransport(client)}, nil
}

// Publish assigns a monotonically-increasing id, durably appends the
// envelope, and only then fans it out live (spec §4.2.1, §4.2.4: storage
// failure must not corrupt the pub/sub stream).
func (b *Bus) Publish(e Event) (*Envelope, error) {
	env, err := b.log.append(e)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("eventbus: failed to marshal envelope for live fan-out")
		return env, nil
	}
	b.transport.publish(context.Background(), e.SessionID, payload)
	return env, nil
}

// Subscribe returns all matching envelopes with id > filter.AfterID exactly
// once, in id order, without gaps (spec §4.2.2): first the buffered
// catch-up read from storage, then live envelopes, de-duplicated at the
// cut-off. The returned channel closes when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, filter Filter) (<-chan *Envelope, error) {
	liveRaw, cancelLive := b.transport.subscribe(ctx, filter.SessionID)

	cutoff, err := b.log.latestID(filter.SessionID)
	if err != nil {
		cancelLive()
		return nil, err
	}

	// With no events yet (cutoff 0) there is nothing to catch up on; list
	// would treat an upper bound of 0 as unbounded and overlap the live tail.
	var catchup []*Envelope
	if cutoff > 0 {
		catchup, err = b.log.list(filter, cutoff)
		if err != nil {
			cancelLive()
			return nil, err
		}
	}

	out := make(chan *Envelope, 64)
	go func() {
		defer close(out)
		defer cancelLive()

		for _, env := range catchup {
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}

		seen := cutoff
		if filter.AfterID > seen {
			seen = filter.AfterID
		}
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-liveRaw:
				if !ok {
					return
				}
				var env Envelope
				var wire wireEnvelopeIn
				if err := json.Unmarshal(raw, &wire); err != nil {
					log.Warn().Err(err).Msg("eventbus: dropping malformed live envelope")
					continue
				}
				env = wire.toEnvelope()
				if env.ID <= seen {
					continue // already delivered via catch-up, or at/below AfterID
				}
				if !filter.matches(env.Event) {
					continue
				}
				select {
				case out <- &env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// ListEvents returns all matching durable envelopes (no live component).
func (b *Bus) ListEvents(filter Filter) ([]*Envelope, error) {
	return b.log.list(filter, 0)
}

// GetLatestEventID returns the highest event id for a session, or 0 if none.
func (b *Bus) GetLatestEventID(sessionID string) (int64, error) {
	return b.log.latestID(sessionID)
}

// GetLatestByTags returns the latest event for (session,branch) whose kind
// is one of kinds, or nil if none exists. Used to re-derive loop state
// (e.g. the current agent) from durable history on loop creation.
func (b *Bus) GetLatestByTags(sessionID, branchID string, kinds ...Kind) (*Envelope, error) {
	return b.log.latestByTags(sessionID, branchID, kinds)
}

// wireEnvelopeIn decodes the live transport's payloads, which Publish
// encodes with Envelope.MarshalJSON — the same client-facing shape of §6,
// with sessionId/branchId folded into the "event" object.
type wireEnvelopeIn struct {
	ID        int64           `json:"id"`
	CreatedAt string          `json:"createdAt"`
	Event     json.RawMessage `json:"event"`
}

func (w wireEnvelopeIn) toEnvelope() Envelope {
	var fields map[string]any
	_ = json.Unmarshal(w.Event, &fields)
	kind, _ := fields["_tag"].(string)
	sessionID, _ := fields["sessionId"].(string)
	branchID, _ := fields["branchId"].(string)
	delete(fields, "_tag")
	delete(fields, "sessionId")
	delete(fields, "branchId")
	created, _ := parseTime(w.CreatedAt)
	return Envelope{
		ID:        w.ID,
		CreatedAt: created,
		Event: Event{
			Kind:      Kind(kind),
			SessionID: sessionID,
			BranchID:  branchID,
			Fields:    fields,
		},
	}
}
