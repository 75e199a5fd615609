package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Entity Types
// -----------------------------------------------------------------------------

// EntityID identifies a ThingsBoard entity.
type EntityID struct {
	EntityType string    `json:"entityType"` // DEVICE, ASSET, ...
	ID         uuid.UUID `json:"id"`
}

// Device is one device returned by a device listing.
type Device struct {
	ID         uuid.UUID // Entity id
	EntityType string    // Usually DEVICE
	Name       string    // Device name
	Type       string    // Device profile type
	Label      string    // Optional label
}

// -----------------------------------------------------------------------------
// Time-Series Types
// -----------------------------------------------------------------------------

// Point is one timeseries value of one device.
type Point struct {
	DeviceID       uuid.UUID // Entity id
	Key            string    // Telemetry key, e.g. "temperature"
	TS             int64     // Device timestamp (µs since epoch)
	Value          string    // Textual value
	ReceivedAt     int64     // Client receive timestamp (µs since epoch)
	SubscriptionID int       // Subscription that delivered the point
}

// ParseTimeseries decodes a push payload of the form
// {"key": [[tsMillis, value], ...], ...} into points ordered by key, then
// by position. DeviceID, ReceivedAt and SubscriptionID are left zero.
func ParseTimeseries(data json.RawMessage) ([]Point, error) {
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	var raw map[string][][]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse timeseries: %w", err)
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var points []Point
	for _, key := range keys {
		for i, pair := range raw[key] {
			if len(pair) != 2 {
				return nil, fmt.Errorf("parse timeseries %s[%d]: want [ts, value], got %d elements", key, i, len(pair))
			}

			var tsMillis int64
			if err := json.Unmarshal(pair[0], &tsMillis); err != nil {
				return nil, fmt.Errorf("parse timeseries %s[%d] ts: %w", key, i, err)
			}

			points = append(points, Point{
				Key:   key,
				TS:    tsMillis * 1000,
				Value: textValue(pair[1]),
			})
		}
	}

	return points, nil
}

// textValue unquotes JSON strings and keeps any other value as its JSON text.
func textValue(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(v))
}
