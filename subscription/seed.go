package subscription

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/NTDesnoyers/memry-OS-sub003/event"
)

type seedFile struct {
	Subscriptions []seedEntry `yaml:"subscriptions"`
}

type seedEntry struct {
	Agent    string            `yaml:"agent"`
	Events   []string          `yaml:"events"`
	Priority int               `yaml:"priority"`
	Disabled bool              `yaml:"disabled"`
	Config   map[string]string `yaml:"config"`
}

// ParseSeedYAML decodes the subscriptions section of a seed document. One
// entry may subscribe an agent to several event types at the same priority.
func ParseSeedYAML(data []byte) ([]Subscription, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("subscription: seed payload is empty")
	}
	var doc seedFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("subscription: decode seed: %w", err)
	}

	var out []Subscription
	for i, entry := range doc.Subscriptions {
		if entry.Agent == "" {
			return nil, fmt.Errorf("subscription: entry %d: agent is required", i)
		}
		if len(entry.Events) == 0 {
			return nil, fmt.Errorf("subscription: entry %d (%s): events are required", i, entry.Agent)
		}
		for _, name := range entry.Events {
			t := event.Type(name)
			if !t.Known() {
				return nil, fmt.Errorf("subscription: entry %d (%s): %w: %q", i, entry.Agent, ErrUnknownEventType, name)
			}
			out = append(out, Subscription{
				AgentName: entry.Agent,
				EventType: t,
				Priority:  entry.Priority,
				IsActive:  !entry.Disabled,
				Config:    entry.Config,
			})
		}
	}
	return out, nil
}

// LoadSeedFile reads and parses a seed document from disk.
func LoadSeedFile(path string) ([]Subscription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("subscription: read %s: %w", path, err)
	}
	subs, err := ParseSeedYAML(data)
	if err != nil {
		return nil, fmt.Errorf("subscription: %s: %w", path, err)
	}
	return subs, nil
}
