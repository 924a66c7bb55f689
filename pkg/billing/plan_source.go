package billing

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// inMemSource implements PlansSource using an in-memory plan map.
type inMemSource struct {
	mu    sync.RWMutex
	plans map[string]Plan
}

// NewInMemSource returns an in-memory PlansSource with a deep copy of the given plans.
func NewInMemSource(plans map[string]Plan) PlansSource {
	plansCopy := make(map[string]Plan, len(plans))
	for id, plan := range plans {
		plansCopy[id] = plan.clone()
	}

	return &inMemSource{
		plans: plansCopy,
	}
}

// Load returns a copy of all available plans from memory.
func (s *inMemSource) Load(ctx context.Context) (map[string]Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plansCopy := make(map[string]Plan, len(s.plans))
	for id, plan := range s.plans {
		plansCopy[id] = plan.clone()
	}
	return plansCopy, nil
}

// yamlCatalog is the on-disk layout of a plan catalog file.
//
//	default_plan: free
//	plans:
//	  - id: starter
//	    name: Starter
//	    monthly_limit: 100
//	    trial_days: 14
//	    prices:
//	      month: {amount: 2900, currency: usd}
//	      year: {amount: 29000, currency: usd}
type yamlCatalog struct {
	DefaultPlan string `yaml:"default_plan"`
	Plans       []Plan `yaml:"plans"`
}

// YAMLSource loads plans from a YAML document.
type YAMLSource struct {
	open func() (io.ReadCloser, error)
}

// NewYAMLFileSource returns a YAMLSource reading the file at path on every Load.
func NewYAMLFileSource(path string) *YAMLSource {
	return &YAMLSource{open: func() (io.ReadCloser, error) { return os.Open(path) }}
}

// NewYAMLSource returns a YAMLSource over an in-memory document.
func NewYAMLSource(doc []byte) *YAMLSource {
	return &YAMLSource{open: func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(doc)), nil
	}}
}

// Load decodes the document. Duplicate plan IDs are rejected.
func (s *YAMLSource) Load(ctx context.Context) (map[string]Plan, error) {
	cat, err := s.decode()
	if err != nil {
		return nil, err
	}

	plans := make(map[string]Plan, len(cat.Plans))
	for _, p := range cat.Plans {
		if _, dup := plans[p.ID]; dup {
			return nil, fmt.Errorf("duplicate plan %q in catalog", p.ID)
		}
		plans[p.ID] = p
	}
	return plans, nil
}

// DefaultPlan returns the default_plan entry of the document, if any.
func (s *YAMLSource) DefaultPlan() (string, error) {
	cat, err := s.decode()
	if err != nil {
		return "", err
	}
	return cat.DefaultPlan, nil
}

func (s *YAMLSource) decode() (*yamlCatalog, error) {
	r, err := s.open()
	if err != nil {
		return nil, fmt.Errorf("open plan catalog: %w", err)
	}
	defer r.Close()

	var cat yamlCatalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cat); err != nil {
		return nil, fmt.Errorf("decode plan catalog: %w", err)
	}
	return &cat, nil
}
