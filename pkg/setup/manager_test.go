package setup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lionchief-bridge/pkg/entry"
	"lionchief-bridge/pkg/lionchief"
	"lionchief-bridge/pkg/logging"
)

func newManager(store entry.Store) *Manager {
	return NewManager(store, &mockDiscoverer{}, Options{ScanTimeout: time.Second}, logging.Discard())
}

func TestManagerDiscoveredOpensOneFlowPerMAC(t *testing.T) {
	m := newManager(newMemStore())
	ctx := context.Background()

	m.Discovered(ctx, adv("aa:bb:cc:dd:ee:01", "LC-1", lionchief.ServiceUUID))
	m.Discovered(ctx, adv("AA:BB:CC:DD:EE:01", "LC-1", lionchief.ServiceUUID))
	m.Discovered(ctx, adv("AA:BB:CC:DD:EE:02", "Headphones"))

	pending := m.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", pending[0].Address)
	assert.Equal(t, "LC-1", pending[0].Placeholders["name"])
}

func TestManagerSkipsConfiguredDevices(t *testing.T) {
	m := newManager(newMemStore("AA:BB:CC:DD:EE:01"))

	m.Discovered(context.Background(), adv("AA:BB:CC:DD:EE:01", "LC-1", lionchief.ServiceUUID))
	assert.Empty(t, m.Pending())
}

func TestManagerConfirmCreatesEntry(t *testing.T) {
	store := newMemStore()
	m := newManager(store)
	ctx := context.Background()

	var created []entry.Entry
	m.OnCreate(func(e entry.Entry) { created = append(created, e) })

	m.Discovered(ctx, adv("AA:BB:CC:DD:EE:FF", "", lionchief.ServiceUUID))
	res, err := m.Confirm(ctx, "aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	require.Equal(t, ResultCreateEntry, res.Type)

	require.Len(t, created, 1)
	assert.Equal(t, "Lionel Train EEFF", created[0].Name)
	assert.Empty(t, m.Pending())

	ok, err := entry.Configured(ctx, store, "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.True(t, ok)

	// a descoberta já foi consumida
	res, err = m.Confirm(ctx, "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, ResultAbort, res.Type)
	assert.Equal(t, "unknown_flow", res.Reason)
}

func TestManagerConfirmAfterManualSetupAborts(t *testing.T) {
	store := newMemStore()
	m := newManager(store)
	ctx := context.Background()

	called := false
	m.OnCreate(func(entry.Entry) { called = true })

	m.Discovered(ctx, adv("AA:BB:CC:DD:EE:FF", "LC-1", lionchief.ServiceUUID))
	e, err := entry.New("AA:BB:CC:DD:EE:FF", "manual", lionchief.ServiceUUID, "", entry.SourceManual)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, e))

	res, err := m.Confirm(ctx, "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, AbortAlreadyConfigured, res.Reason)
	assert.False(t, called)
}

func TestManagerIgnore(t *testing.T) {
	m := newManager(newMemStore())
	ctx := context.Background()

	m.Discovered(ctx, adv("AA:BB:CC:DD:EE:01", "LC-1", lionchief.ServiceUUID))
	require.Len(t, m.Pending(), 1)

	m.Ignore("aa:bb:cc:dd:ee:01")
	assert.Empty(t, m.Pending())

	m.Discovered(ctx, adv("AA:BB:CC:DD:EE:01", "LC-1", lionchief.ServiceUUID))
	assert.Empty(t, m.Pending())
}

func TestManagerDefaultsServiceUUID(t *testing.T) {
	m := NewManager(newMemStore(), &mockDiscoverer{}, Options{}, logging.Discard())

	m.Discovered(context.Background(), adv("AA:BB:CC:DD:EE:01", "LC-1", lionchief.ServiceUUID))
	assert.Len(t, m.Pending(), 1)
	assert.False(t, m.Tracks(adv("AA:BB:CC:DD:EE:01", "LC-1", lionchief.ServiceUUID)))
	assert.True(t, m.Tracks(adv("AA:BB:CC:DD:EE:02", "LC-2", lionchief.ServiceUUID)))
	assert.False(t, m.Tracks(adv("AA:BB:CC:DD:EE:03", "Speaker")))
}

func TestManagerPendingDropsMACsConfiguredElsewhere(t *testing.T) {
	store := newMemStore()
	m := newManager(store)
	ctx := context.Background()

	m.Discovered(ctx, adv("AA:BB:CC:DD:EE:01", "LC-1", lionchief.ServiceUUID))
	m.Discovered(ctx, adv("AA:BB:CC:DD:EE:02", "LC-2", lionchief.ServiceUUID))
	require.Len(t, m.Pending(), 2)

	e, err := entry.New("AA:BB:CC:DD:EE:01", "from setup", lionchief.ServiceUUID, "", entry.SourceUser)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, e))

	pending := m.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "AA:BB:CC:DD:EE:02", pending[0].Address)

	res, err := m.Confirm(ctx, "AA:BB:CC:DD:EE:01")
	require.NoError(t, err)
	assert.Equal(t, AbortAlreadyConfigured, res.Reason)
}
