package syncqueue

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Integration is a configured connection to one external CRM account.
type Integration struct {
	ID       string
	Provider string
	Endpoint string
	// TokenEnv names the environment variable holding the bearer token sent
	// to the endpoint. Empty means no Authorization header.
	TokenEnv string
	Enabled  bool
}

// Integrations is the live set of integrations. Disabling one stops new
// claims for its items; deliveries already in flight are left to finish.
type Integrations struct {
	mu   sync.RWMutex
	byID map[string]Integration
}

func NewIntegrations(list ...Integration) *Integrations {
	s := &Integrations{byID: make(map[string]Integration, len(list))}
	for _, in := range list {
		s.byID[in.ID] = in
	}
	return s
}

func (s *Integrations) Get(id string) (Integration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.byID[id]
	return in, ok
}

func (s *Integrations) SetEnabled(id string, enabled bool) (Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.byID[id]
	if !ok {
		return Integration{}, fmt.Errorf("%w: %s", ErrUnknownIntegration, id)
	}
	in.Enabled = enabled
	s.byID[id] = in
	return in, nil
}

// EnabledIDs returns the ids workers may claim items for.
func (s *Integrations) EnabledIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, in := range s.byID {
		if in.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *Integrations) List() []Integration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Integration, 0, len(s.byID))
	for _, in := range s.byID {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type integrationsFile struct {
	Integrations []integrationEntry `yaml:"integrations"`
}

type integrationEntry struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
	Endpoint string `yaml:"endpoint"`
	TokenEnv string `yaml:"tokenEnv"`
	Disabled bool   `yaml:"disabled"`
}

// ParseIntegrationsYAML decodes the integrations section of the seed
// document shared with subscriptions.
func ParseIntegrationsYAML(data []byte) ([]Integration, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var doc integrationsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("syncqueue: decode integrations: %w", err)
	}
	seen := make(map[string]bool, len(doc.Integrations))
	out := make([]Integration, 0, len(doc.Integrations))
	for i, e := range doc.Integrations {
		if e.ID == "" {
			return nil, fmt.Errorf("syncqueue: integration %d: id is required", i)
		}
		if e.Provider == "" {
			return nil, fmt.Errorf("syncqueue: integration %s: provider is required", e.ID)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("syncqueue: integration %s declared twice", e.ID)
		}
		seen[e.ID] = true
		out = append(out, Integration{
			ID:       e.ID,
			Provider: e.Provider,
			Endpoint: e.Endpoint,
			TokenEnv: e.TokenEnv,
			Enabled:  !e.Disabled,
		})
	}
	return out, nil
}

func LoadIntegrationsFile(path string) ([]Integration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("syncqueue: read %s: %w", path, err)
	}
	return ParseIntegrationsYAML(data)
}
