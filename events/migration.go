package events

import (
	"encoding/json"
	"fmt"
	"sort"
)

// MigrationRule upgrades a payload from one version to the next. Transform
// operates on the decoded JSON object so historical events can be reshaped
// without touching the stored history.
type MigrationRule struct {
	EventType   EventType
	FromVersion int64
	ToVersion   int64
	Transform   func(data map[string]interface{}) (map[string]interface{}, error)
}

// Migrator upgrades historical event payloads to the latest registered
// version at read time.
type Migrator struct {
	rules map[EventType][]MigrationRule
}

func NewMigrator() *Migrator {
	return &Migrator{
		rules: map[EventType][]MigrationRule{},
	}
}

// RegisterRule adds a migration rule. Rules must move forward exactly one
// version at a time so chains stay unambiguous.
func (m *Migrator) RegisterRule(rule MigrationRule) error {
	if rule.ToVersion != rule.FromVersion+1 {
		return fmt.Errorf("migration rule for %v must upgrade from version %d to %d, got %d",
			rule.EventType, rule.FromVersion, rule.FromVersion+1, rule.ToVersion)
	}

	if rule.Transform == nil {
		return fmt.Errorf("migration rule for %v version %d has no transform", rule.EventType, rule.FromVersion)
	}

	for _, existing := range m.rules[rule.EventType] {
		if existing.FromVersion == rule.FromVersion {
			return fmt.Errorf("migration rule for %v version %d already registered", rule.EventType, rule.FromVersion)
		}
	}

	rules := append(m.rules[rule.EventType], rule)
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].FromVersion < rules[j].FromVersion
	})
	m.rules[rule.EventType] = rules

	return nil
}

// LatestVersion returns the highest version reachable for the event type, or
// 0 when no rules are registered.
func (m *Migrator) LatestVersion(eventType EventType) int64 {
	rules := m.rules[eventType]
	if len(rules) == 0 {
		return 0
	}

	return rules[len(rules)-1].ToVersion
}

// MigrateToLatest applies the registered rule chain to bring the payload to
// the latest version. Payloads without rules, or already at the latest
// version, pass through unchanged. A gap in the chain is an error.
func (m *Migrator) MigrateToLatest(eventType EventType, version int64, data []byte) ([]byte, error) {
	latest := m.LatestVersion(eventType)
	if latest == 0 || version >= latest {
		return data, nil
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decoding %v payload for migration: %w", eventType, err)
	}

	for version < latest {
		rule, ok := m.ruleFrom(eventType, version)
		if !ok {
			return nil, fmt.Errorf("no migration rule for %v from version %d", eventType, version)
		}

		migrated, err := rule.Transform(payload)
		if err != nil {
			return nil, fmt.Errorf("migrating %v from version %d to %d: %w", eventType, rule.FromVersion, rule.ToVersion, err)
		}

		payload = migrated
		version = rule.ToVersion
	}

	migrated, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding migrated %v payload: %w", eventType, err)
	}

	return migrated, nil
}

func (m *Migrator) ruleFrom(eventType EventType, version int64) (MigrationRule, bool) {
	for _, rule := range m.rules[eventType] {
		if rule.FromVersion == version {
			return rule, true
		}
	}

	return MigrationRule{}, false
}
