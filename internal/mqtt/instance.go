package mqtt

import (
	"fmt"

	"github.com/google/uuid"
)

// Key under which the instance ID is stored.
const (
	instanceNamespace = "mqtt"
	instanceKey       = "instance_id"
)

// KVStore is the key-value store that holds the instance ID.
// [*devicestore.Store] satisfies it.
type KVStore interface {
	// Get returns "" and a nil error for a missing key.
	Get(namespace, key string) (string, error)
	Set(namespace, key, value string) error
}

// LoadOrCreateInstanceID returns the stored instance ID, generating and
// saving a UUIDv7 the first time. The ID keys the MQTT client and the
// bridge's own sensors, so it must survive restarts and node_id
// changes.
func LoadOrCreateInstanceID(store KVStore) (string, error) {
	id, err := store.Get(instanceNamespace, instanceKey)
	if err != nil {
		return "", fmt.Errorf("load instance ID: %w", err)
	}
	if id != "" {
		return id, nil
	}

	v7, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	id = v7.String()
	if err := store.Set(instanceNamespace, instanceKey, id); err != nil {
		return "", fmt.Errorf("save instance ID: %w", err)
	}
	return id, nil
}
