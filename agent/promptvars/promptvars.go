// Package promptvars manages versioned prompt templates. Each prompt
// type key (say, the main system prompt) can carry several variants;
// the active one with the highest version wins selection, and usage
// metrics accumulate per variant so experiments can be compared.
package promptvars

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a variant id does not exist.
var ErrNotFound = errors.New("prompt variant not found")

// MetricExecutionCount is the metric key that counts how often a
// variant was used.
const MetricExecutionCount = "execution_count"

// Variant is one version of a prompt template.
type Variant struct {
	ID          string `json:"variant_id"`
	TypeKey     string `json:"prompt_type_key"`
	Template    string `json:"template_text"`
	Description string `json:"description,omitempty"`
	// Version increments on significant changes to the same
	// conceptual variant; selection prefers the highest active one.
	Version         int                `json:"version"`
	CreatedAt       time.Time          `json:"created_at"`
	LastUsedAt      time.Time          `json:"last_used_at,omitempty"`
	Metrics         map[string]float64 `json:"performance_metrics,omitempty"`
	ExperimentGroup string             `json:"experiment_group,omitempty"`
	Active          bool               `json:"is_active"`
	DeprecatedAt    time.Time          `json:"deprecated_at,omitempty"`
}

// New creates an active version-1 variant for a prompt type key.
func New(typeKey, template string) Variant {
	return Variant{
		ID:        uuid.New().String(),
		TypeKey:   typeKey,
		Template:  template,
		Version:   1,
		CreatedAt: time.Now(),
		Active:    true,
	}
}

// Selectable reports whether the variant is a candidate for active
// selection.
func (v Variant) Selectable() bool {
	return v.Active && v.DeprecatedAt.IsZero()
}

// Provider selects and persists prompt variants.
type Provider interface {
	// ActiveVariant returns the selectable variant with the highest
	// version for a type key, or nil when none exists.
	ActiveVariant(ctx context.Context, typeKey string) (*Variant, error)

	// Get returns one variant by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Variant, error)

	// Store upserts a variant by id.
	Store(ctx context.Context, variant Variant) error

	// UpdateMetrics merges metric values into a variant and stamps its
	// last-used time. With incrementExecutions the execution counter
	// also goes up by one.
	UpdateMetrics(ctx context.Context, id string, metrics map[string]float64, incrementExecutions bool) error

	// ListForType returns a type key's variants; inactive and
	// deprecated ones only when includeInactive is set.
	ListForType(ctx context.Context, typeKey string, includeInactive bool) ([]Variant, error)
}

// MemoryProvider is the in-process Provider used in tests and
// single-node deployments.
type MemoryProvider struct {
	mu       sync.RWMutex
	variants map[string]Variant
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{variants: make(map[string]Variant)}
}

var _ Provider = (*MemoryProvider)(nil)

func (p *MemoryProvider) ActiveVariant(_ context.Context, typeKey string) (*Variant, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var best *Variant
	for _, v := range p.variants {
		if v.TypeKey != typeKey || !v.Selectable() {
			continue
		}
		if best == nil || v.Version > best.Version {
			v := v
			best = &v
		}
	}
	return best, nil
}

func (p *MemoryProvider) Get(_ context.Context, id string) (*Variant, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.variants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (p *MemoryProvider) Store(_ context.Context, variant Variant) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.variants[variant.ID] = variant
	return nil
}

func (p *MemoryProvider) UpdateMetrics(_ context.Context, id string, metrics map[string]float64, incrementExecutions bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.variants[id]
	if !ok {
		return ErrNotFound
	}
	if v.Metrics == nil {
		v.Metrics = make(map[string]float64, len(metrics)+1)
	}
	for key, value := range metrics {
		v.Metrics[key] = value
	}
	if incrementExecutions {
		v.Metrics[MetricExecutionCount]++
	}
	v.LastUsedAt = time.Now()
	p.variants[id] = v
	return nil
}

func (p *MemoryProvider) ListForType(_ context.Context, typeKey string, includeInactive bool) ([]Variant, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Variant
	for _, v := range p.variants {
		if v.TypeKey != typeKey {
			continue
		}
		if !includeInactive && !v.Selectable() {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
