package gbus

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/iancoleman/strcase"
)

// Schema is the wire identity of an integration event. It is declared next
// to each event type instead of being derived from the type name.
type Schema struct {
	Name    string // logical event name (e.g. "OrganizationWhitelisted")
	Version int    // contract version, starting at 1
	Topic   string // broker topic or routing key
}

func (s Schema) String() string {
	return fmt.Sprintf("%s/v%d", s.Name, s.Version)
}

// DeadLetterTopic is the topic where messages of this schema land when they
// can't be processed.
func (s Schema) DeadLetterTopic() string {
	return DeadLetterTopic(s.Topic)
}

func (s Schema) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidSchema)
	}
	if s.Version < 1 {
		return fmt.Errorf("%w: %s has version %d", ErrInvalidSchema, s.Name, s.Version)
	}
	if strings.TrimSpace(s.Topic) == "" {
		return fmt.Errorf("%w: %s has no topic", ErrInvalidSchema, s)
	}
	return nil
}

// TopicName builds the conventional topic for an event name and version
// (e.g. "OrganizationWhitelisted", 1 gives "integration.organization-whitelisted.v1").
func TopicName(name string, version int) string {
	return fmt.Sprintf("integration.%s.v%d", strcase.ToKebab(name), version)
}

// Registry is the set of integration event schemas known by a service.
type Registry struct {
	mu      sync.RWMutex
	byKey   map[string]Schema
	byTopic map[string]Schema
}

func NewRegistry() *Registry {
	return &Registry{
		byKey:   map[string]Schema{},
		byTopic: map[string]Schema{},
	}
}

// Register adds schemas to the registry. Both name+version and topic must be
// unique.
func (r *Registry) Register(schemas ...Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range schemas {
		if err := s.validate(); err != nil {
			return err
		}
		if _, ok := r.byKey[s.String()]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateSchema, s)
		}
		if other, ok := r.byTopic[s.Topic]; ok {
			return fmt.Errorf("%w: topic '%s' already used by %s", ErrDuplicateSchema, s.Topic, other)
		}
		r.byKey[s.String()] = s
		r.byTopic[s.Topic] = s
	}
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(schemas ...Schema) *Registry {
	if err := r.Register(schemas...); err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Lookup(name string, version int) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byKey[Schema{Name: name, Version: version}.String()]
	return s, ok
}

func (r *Registry) ByTopic(topic string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byTopic[topic]
	return s, ok
}

// Contains reports whether exactly this schema (including its topic) is registered.
func (r *Registry) Contains(s Schema) bool {
	registered, ok := r.Lookup(s.Name, s.Version)
	return ok && registered == s
}

// Schemas returns the registered schemas sorted by topic.
func (r *Registry) Schemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Schema, 0, len(r.byTopic))
	for _, s := range r.byTopic {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}
