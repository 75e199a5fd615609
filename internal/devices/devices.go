// Package devices lists the devices of an entity group with one
// entityDataCmds query over the telemetry connection.
package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rickgao/tb-telemetry/internal/command"
	"github.com/rickgao/tb-telemetry/internal/model"
)

// BatchKey is the command group used for entity data queries.
const BatchKey = "entityDataCmds"

// DefaultPageSize bounds the single page that is fetched.
const DefaultPageSize = 1024

// ErrNoGroup is returned when no group id is given.
var ErrNoGroup = errors.New("device group id is required")

// Conn is the part of *connection.Conn Fetch needs.
type Conn interface {
	command.Conn
	NextID() int
}

type options struct {
	pageSize int
	logger   *slog.Logger
}

// Option configures Fetch.
type Option func(*options)

// WithPageSize sets the page size of the query.
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

type entityField struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

type tsValue struct {
	TS    int64  `json:"ts"`
	Value string `json:"value"`
}

type entityData struct {
	EntityID model.EntityID                `json:"entityId"`
	Latest   map[string]map[string]tsValue `json:"latest"`
}

type pageData struct {
	Data          []entityData `json:"data"`
	TotalPages    int          `json:"totalPages"`
	TotalElements int          `json:"totalElements"`
	HasNext       bool         `json:"hasNext"`
}

// Fetch returns the devices of groupID. Only the first page is fetched;
// a warning is logged when more exist.
func Fetch(ctx context.Context, conn Conn, groupID string, opts ...Option) ([]model.Device, error) {
	if groupID == "" {
		return nil, ErrNoGroup
	}

	o := options{pageSize: DefaultPageSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	query := map[string]any{
		"entityFilter": map[string]any{
			"type":        "entityGroup",
			"groupType":   "DEVICE",
			"entityGroup": groupID,
		},
		"pageLink": map[string]any{
			"pageSize": o.pageSize,
			"page":     0,
		},
		"entityFields": []entityField{
			{Type: "ENTITY_FIELD", Key: "name"},
			{Type: "ENTITY_FIELD", Key: "type"},
			{Type: "ENTITY_FIELD", Key: "label"},
		},
	}

	batch := command.Batch{{
		Key:      BatchKey,
		Commands: []command.Command{{ID: conn.NextID(), Fields: map[string]any{"query": query}}},
	}}

	res, err := command.Send(ctx, conn, batch, command.Options{})
	if err != nil {
		return nil, fmt.Errorf("fetch devices of group %s: %w", groupID, err)
	}

	var page pageData
	if err := res.Decode(BatchKey, 0, &page); err != nil {
		return nil, fmt.Errorf("fetch devices of group %s: %w", groupID, err)
	}

	if page.HasNext {
		o.logger.Warn("device group has more pages, only the first is used",
			"group", groupID,
			"total_elements", page.TotalElements,
			"page_size", o.pageSize,
		)
	}

	devices := make([]model.Device, 0, len(page.Data))
	for _, d := range page.Data {
		if d.EntityID.ID == uuid.Nil {
			continue
		}
		fields := d.Latest["ENTITY_FIELD"]
		devices = append(devices, model.Device{
			ID:         d.EntityID.ID,
			EntityType: d.EntityID.EntityType,
			Name:       fields["name"].Value,
			Type:       fields["type"].Value,
			Label:      fields["label"].Value,
		})
	}

	return devices, nil
}

// IDs returns the device ids as strings, in order.
func IDs(devices []model.Device) []string {
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.ID.String()
	}
	return ids
}
