package promptvars

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	v := New("system_prompt_main", "You are a helpful agent.")

	assert.NotEmpty(t, v.ID)
	assert.Equal(t, "system_prompt_main", v.TypeKey)
	assert.Equal(t, 1, v.Version)
	assert.True(t, v.Active)
	assert.True(t, v.Selectable())
}

func TestSelectable(t *testing.T) {
	v := New("k", "t")
	assert.True(t, v.Selectable())

	inactive := v
	inactive.Active = false
	assert.False(t, inactive.Selectable())

	deprecated := v
	deprecated.DeprecatedAt = time.Now()
	assert.False(t, deprecated.Selectable())
}

func TestMemoryProvider_ActiveVariant_PicksHighestActiveVersion(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	v1 := New("system_prompt_main", "version one")
	v2 := New("system_prompt_main", "version two")
	v2.Version = 2
	v3 := New("system_prompt_main", "version three, retired")
	v3.Version = 3
	v3.Active = false
	other := New("planning_prompt", "unrelated")

	for _, v := range []Variant{v1, v2, v3, other} {
		require.NoError(t, p.Store(ctx, v))
	}

	got, err := p.ActiveVariant(ctx, "system_prompt_main")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, v2.ID, got.ID)
	assert.Equal(t, "version two", got.Template)
}

func TestMemoryProvider_ActiveVariant_NoneIsNil(t *testing.T) {
	p := NewMemoryProvider()

	got, err := p.ActiveVariant(context.Background(), "missing_key")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryProvider_GetAndStore(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	v := New("k", "template")
	require.NoError(t, p.Store(ctx, v))

	got, err := p.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, v, *got)

	_, err = p.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryProvider_UpdateMetrics(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	v := New("k", "template")
	require.NoError(t, p.Store(ctx, v))

	err := p.UpdateMetrics(ctx, v.ID, map[string]float64{"success_rate": 0.9}, true)
	require.NoError(t, err)
	err = p.UpdateMetrics(ctx, v.ID, map[string]float64{"success_rate": 0.95}, true)
	require.NoError(t, err)

	got, err := p.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.95, got.Metrics["success_rate"], 1e-9)
	assert.InDelta(t, 2, got.Metrics[MetricExecutionCount], 1e-9)
	assert.False(t, got.LastUsedAt.IsZero())

	err = p.UpdateMetrics(ctx, "missing", nil, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryProvider_ListForType(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	active := New("k", "active")
	retired := New("k", "retired")
	retired.Active = false
	unrelated := New("other", "unrelated")

	for _, v := range []Variant{active, retired, unrelated} {
		require.NoError(t, p.Store(ctx, v))
	}

	selectable, err := p.ListForType(ctx, "k", false)
	require.NoError(t, err)
	require.Len(t, selectable, 1)
	assert.Equal(t, active.ID, selectable[0].ID)

	all, err := p.ListForType(ctx, "k", true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
