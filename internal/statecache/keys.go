package statecache

import "fmt"

// Redis key layout. Every key below is shared with the read APIs and
// the fetcher registry, so changing a pattern is a breaking change.

const (
	// AllStatesKey holds a JSON array of every cached state.
	AllStatesKey = "ha:all_states"

	// ControllableKey holds a JSON array of entities in controllable domains.
	ControllableKey = "ha:entities"

	// MetadataKey holds the snapshot Metadata document.
	MetadataKey = "ha:metadata"

	// GlobalLogKey is the change log ZSET spanning all entities.
	GlobalLogKey = "ha:log:all"

	entityKeyPrefix = "ha:entity:"
	logKeyPrefix    = "ha:log:"
)

// EntityKey returns the key holding one entity's state.
// Pattern: ha:entity:{entity_id}
func EntityKey(entityID string) string {
	return entityKeyPrefix + entityID
}

// DomainKey returns the key holding the JSON array for one domain.
// Pattern: ha:domain:{domain}
func DomainKey(domain string) string {
	return fmt.Sprintf("ha:domain:%s", domain)
}

// EntityLogKey returns the change log ZSET for one entity.
// Pattern: ha:log:{entity_id}
func EntityLogKey(entityID string) string {
	return logKeyPrefix + entityID
}

// controllableDomains are the domains whose entities accept service calls
// from the command pipeline.
var controllableDomains = map[string]bool{
	"switch":       true,
	"light":        true,
	"climate":      true,
	"fan":          true,
	"cover":        true,
	"media_player": true,
	"lock":         true,
	"scene":        true,
}

// IsControllable reports whether domain is in the controllable set.
func IsControllable(domain string) bool {
	return controllableDomains[domain]
}

// ControllableDomains returns the controllable domain names.
func ControllableDomains() []string {
	return []string{"switch", "light", "climate", "fan", "cover", "media_player", "lock", "scene"}
}
