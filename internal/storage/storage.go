// Package storage persists schema snapshots so descriptors survive a
// process restart. Backends live in the sqlite and postgres subpackages.
package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/scrypster/entbridge/pkg/types"
)

// Supported snapshot store kinds.
const (
	KindNone     = ""
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
)

// Snapshot is one persisted descriptor row.
type Snapshot struct {
	ConnectionID string
	Entity       string
	Descriptor   []byte
	FetchedAt    time.Time
}

// EntityKey normalizes an entity name for use as a lookup key.
func EntityKey(entity string) string {
	return strings.ToLower(strings.TrimSpace(entity))
}

// EncodeSnapshot serializes desc for storage.
func EncodeSnapshot(connectionID string, desc *types.EntityDescriptor) (*Snapshot, error) {
	if desc == nil || desc.Name == "" {
		return nil, fmt.Errorf("storage: descriptor with a name is required")
	}
	data, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to encode descriptor %s: %w", desc.Name, err)
	}
	fetched := desc.FetchedAt
	if fetched.IsZero() {
		fetched = time.Now()
	}
	return &Snapshot{
		ConnectionID: connectionID,
		Entity:       EntityKey(desc.Name),
		Descriptor:   data,
		FetchedAt:    fetched.UTC(),
	}, nil
}

// DecodeSnapshot restores a descriptor, stamping FetchedAt from the row.
func DecodeSnapshot(data []byte, fetchedAt time.Time) (*types.EntityDescriptor, error) {
	var desc types.EntityDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("storage: failed to decode descriptor: %w", err)
	}
	desc.FetchedAt = fetchedAt
	return &desc, nil
}
