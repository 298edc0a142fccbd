package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Event is the envelope appended to every stream entry. Consumers receive a
// decoded copy; the envelope is immutable once published.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`

	// EntryID is the broker-assigned stream entry id, set on consumption.
	EntryID string `json:"-"`
}

// NewEvent builds an envelope around an arbitrary JSON-encodable payload.
func NewEvent(eventType, source string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode event payload: %w", err)
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// values flattens the envelope for XADD.
func (e Event) values() map[string]interface{} {
	return map[string]interface{}{
		"id":        e.ID,
		"type":      e.Type,
		"source":    e.Source,
		"timestamp": e.Timestamp.UnixMilli(),
		"data":      string(e.Data),
	}
}

// decodeEvent rebuilds an envelope from a consumed stream entry. Malformed
// entries are a data-integrity failure: the caller logs and drops them
// without affecting stream health.
func decodeEvent(msg redis.XMessage) (Event, error) {
	evt := Event{EntryID: msg.ID}

	id, ok := msg.Values["id"].(string)
	if !ok {
		return evt, fmt.Errorf("stream entry %s missing id field", msg.ID)
	}
	evt.ID = id

	if t, ok := msg.Values["type"].(string); ok {
		evt.Type = t
	}
	if s, ok := msg.Values["source"].(string); ok {
		evt.Source = s
	}
	if raw, ok := msg.Values["timestamp"].(string); ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return evt, fmt.Errorf("stream entry %s has malformed timestamp %q", msg.ID, raw)
		}
		evt.Timestamp = time.UnixMilli(ms).UTC()
	}
	if data, ok := msg.Values["data"].(string); ok {
		evt.Data = json.RawMessage(data)
	}
	return evt, nil
}

// entryTime extracts the millisecond timestamp embedded in a stream entry id
// ("<ms>-<seq>").
func entryTime(entryID string) (time.Time, error) {
	idx := strings.IndexByte(entryID, '-')
	if idx < 0 {
		idx = len(entryID)
	}
	ms, err := strconv.ParseInt(entryID[:idx], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed stream entry id %q", entryID)
	}
	return time.UnixMilli(ms), nil
}
