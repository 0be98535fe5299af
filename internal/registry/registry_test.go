package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexmem/plexmem/internal/errs"
	"github.com/plexmem/plexmem/internal/module/moduletest"
	"github.com/plexmem/plexmem/pkg/models"
)

func TestRegisterStampsTypeDefaults(t *testing.T) {
	store := NewMemDescriptorStore()
	r := New(store)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, moduletest.New("technical"), models.ModuleTypeSpecialised, nil))

	descs := r.Descriptors()
	require.Len(t, descs, 1)
	cfg := descs[0].Config
	assert.Equal(t, 5000, cfg.MaxMemorySize)
	assert.Equal(t, 180, cfg.RetentionDays)
	assert.Equal(t, 30, cfg.SearchLimit)
	assert.True(t, cfg.EnableVersioning)
	assert.Equal(t, "memories_technical", cfg.TableName)

	// Descriptor persisted.
	saved, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.True(t, saved[0].IsActive)
}

func TestRegisterAndLookup(t *testing.T) {
	r := New(nil)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, moduletest.New("work"), models.ModuleTypeStandard, nil))
	require.NoError(t, r.Register(ctx, moduletest.New("personal"), models.ModuleTypeSpecialised, nil))

	inst, ok := r.Get("work")
	require.True(t, ok)
	assert.Equal(t, "work", inst.ID())

	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"personal", "work"}, r.ActiveIDs())
	assert.Len(t, r.ListByType(models.ModuleTypeSpecialised), 1)
}

func TestUnregisterRemovesAndDeactivates(t *testing.T) {
	store := NewMemDescriptorStore()
	r := New(store)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, moduletest.New("work"), models.ModuleTypeStandard, nil))
	require.NoError(t, r.Unregister(ctx, "work"))

	_, ok := r.Get("work")
	assert.False(t, ok)

	saved, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.False(t, saved[0].IsActive)

	err = r.Unregister(ctx, "work")
	assert.True(t, errs.IsNotFound(err))
}

func TestUpdateConfigNotifiesInstance(t *testing.T) {
	r := New(nil)
	ctx := context.Background()
	fake := moduletest.New("learning")

	require.NoError(t, r.Register(ctx, fake, models.ModuleTypeStandard, nil))
	require.NoError(t, r.UpdateConfig(ctx, "learning", models.ModuleConfig{SearchLimit: 7}))

	configs := fake.Configs()
	require.NotEmpty(t, configs)
	assert.Equal(t, 7, configs[len(configs)-1].SearchLimit)

	descs := r.Descriptors()
	assert.Equal(t, 7, descs[0].Config.SearchLimit)
}

func TestRoutableIDsHideUnhealthy(t *testing.T) {
	r := New(nil)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, moduletest.New("work"), models.ModuleTypeStandard, nil))
	require.NoError(t, r.Register(ctx, moduletest.New("creative"), models.ModuleTypeStandard, nil))

	r.SetHealth("work", models.ModuleHealth{Status: models.HealthUnhealthy})
	assert.Equal(t, []string{"creative"}, r.RoutableIDs())

	// Degraded modules stay routable.
	r.SetHealth("work", models.ModuleHealth{Status: models.HealthDegraded})
	assert.Equal(t, []string{"creative", "work"}, r.RoutableIDs())
}

func TestHooksFireOnLifecycle(t *testing.T) {
	r := New(nil)
	ctx := context.Background()

	var registered, unregistered []string
	r.SetHooks(
		func(id string) { registered = append(registered, id) },
		func(id string) { unregistered = append(unregistered, id) },
	)

	require.NoError(t, r.Register(ctx, moduletest.New("work"), models.ModuleTypeStandard, nil))
	require.NoError(t, r.Unregister(ctx, "work"))

	assert.Equal(t, []string{"work"}, registered)
	assert.Equal(t, []string{"work"}, unregistered)
}
