package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/unrelated/mcp-gateway/pkg/gateway/transform"
)

// FileBundle is the on-disk YAML shape: a flat list of profiles, used by
// the `validate` and local `serve` CLI subcommands (SPEC_FULL §10).
type FileBundle struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadFileBundle parses and validates a profile bundle file. It stops at the
// first invalid profile, returning either a struct-tag validation error that
// names every offending field of that profile or the first transform param
// default that is not a parseable JSON value.
func LoadFileBundle(path string) (*FileBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %q: %w", path, err)
	}
	var bundle FileBundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("config: parsing %q: %w", path, err)
	}

	v := validator.New()
	for i := range bundle.Profiles {
		if err := v.Struct(&bundle.Profiles[i]); err != nil {
			return nil, fmt.Errorf("config: profile %q invalid: %w", bundle.Profiles[i].ID, err)
		}
		for toolName, ov := range bundle.Profiles[i].Transforms {
			for paramName, po := range ov.Params {
				if len(po.Default) == 0 {
					continue
				}
				if _, err := transform.ValidateDefault(po.Default); err != nil {
					return nil, fmt.Errorf("config: profile %q tool %q param %q: %w", bundle.Profiles[i].ID, toolName, paramName, err)
				}
			}
		}
	}
	return &bundle, nil
}

// FileConfigStore is a ConfigStore backed by a loaded FileBundle, with no
// live reload; reference/local-dev implementation grounded on
// cmd/vmcp/app's file-first bootstrap. Production deployments back
// ConfigStore with the durable control plane instead (spec §1's
// out-of-scope collaborator).
type FileConfigStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	watchers map[string][]chan *Profile
}

func NewFileConfigStore(bundle *FileBundle) *FileConfigStore {
	s := &FileConfigStore{
		profiles: map[string]*Profile{},
		watchers: map[string][]chan *Profile{},
	}
	for i := range bundle.Profiles {
		p := bundle.Profiles[i]
		s.profiles[p.ID] = &p
	}
	return s
}

func (s *FileConfigStore) GetProfile(id string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, fmt.Errorf("config: profile %q not found", id)
	}
	return p, nil
}

// Watch returns a channel that receives a profile only when Replace swaps
// it in; FileConfigStore never reloads the bundle file, so without a
// Replace call profiles stay static for the session's lifetime.
func (s *FileConfigStore) Watch(profileID string) (<-chan *Profile, func()) {
	ch := make(chan *Profile)

	s.mu.Lock()
	s.watchers[profileID] = append(s.watchers[profileID], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		watchers := s.watchers[profileID]
		for i, c := range watchers {
			if c == ch {
				s.watchers[profileID] = append(watchers[:i], watchers[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, cancel
}

// Replace atomically swaps in a new Profile for id and notifies watchers,
// the way a ConfigStore-observed change is delivered; nothing in the
// gateway itself calls it (spec §4.9's "Config changes... produce a
// new profile snapshot").
func (s *FileConfigStore) Replace(p *Profile) {
	s.mu.Lock()
	s.profiles[p.ID] = p
	watchers := append([]chan *Profile{}, s.watchers[p.ID]...)
	s.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- p:
		default:
		}
	}
}
