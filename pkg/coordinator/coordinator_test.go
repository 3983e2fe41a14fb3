package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lionchief-bridge/pkg/entry"
	"lionchief-bridge/pkg/lionchief"
	"lionchief-bridge/pkg/logging"
)

type fakeTransport struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	connectErr  error
	writes      [][]byte
	down        chan struct{}
	onNotify    func([]byte)
}

func (f *fakeTransport) Connect(_ context.Context, _ string, onNotify func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.down = make(chan struct{})
	f.onNotify = onNotify
	return nil
}

func (f *fakeTransport) Write(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeTransport) Disconnected() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down
}

// drop simula a queda do link BLE.
func (f *fakeTransport) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.down)
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

func newTestCoordinator(t *testing.T, opts Options) (*Coordinator, *fakeTransport) {
	t.Helper()
	e, err := entry.New("AA:BB:CC:DD:EE:FF", "LC Test", lionchief.ServiceUUID, "", entry.SourceUser)
	require.NoError(t, err)
	ft := &fakeTransport{}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 10 * time.Millisecond
	}
	opts.CommandRate = 1000
	opts.CommandBurst = 100
	return New(*e, ft, opts, logging.Discard()), ft
}

func TestCommandsRequireConnection(t *testing.T) {
	c, ft := newTestCoordinator(t, Options{})
	ctx := context.Background()

	assert.ErrorIs(t, c.SetSpeed(ctx, 50), ErrNotConnected)
	assert.ErrorIs(t, c.SetHorn(ctx, true), ErrNotConnected)
	assert.ErrorIs(t, c.PlayAnnouncement(ctx, 1), ErrNotConnected)
	assert.Empty(t, ft.written())
	assert.Equal(t, 0, c.State().Speed)
}

func TestDispatchUpdatesStateAndCallbacks(t *testing.T) {
	c, ft := newTestCoordinator(t, Options{})
	ctx := context.Background()

	calls := 0
	unregister := c.RegisterCallback(func() { calls++ })

	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.Connected())

	require.NoError(t, c.SetSpeed(ctx, 150))
	require.NoError(t, c.SetDirection(ctx, false))
	require.NoError(t, c.SetLights(ctx, true))
	require.NoError(t, c.SetBell(ctx, true))
	require.NoError(t, c.PlayAnnouncement(ctx, 3))
	require.NoError(t, c.Stop(ctx))

	assert.Equal(t, [][]byte{
		lionchief.SetSpeed(100),
		lionchief.SetDirection(false),
		lionchief.SetLights(true),
		lionchief.SetBell(true),
		lionchief.PlayAnnouncement(3),
		lionchief.SetSpeed(0),
	}, ft.written())

	st := c.State()
	assert.Equal(t, 0, st.Speed)
	assert.False(t, st.DirectionForward)
	assert.True(t, st.LightsOn)
	assert.True(t, st.BellOn)
	assert.False(t, st.HornOn)

	before := calls
	assert.Greater(t, before, 0)
	unregister()
	require.NoError(t, c.SetHorn(ctx, true))
	assert.Equal(t, before, calls)
}

func TestNotificationStoredAsHex(t *testing.T) {
	c, ft := newTestCoordinator(t, Options{})
	require.NoError(t, c.Connect(context.Background()))

	ft.onNotify([]byte{0x1f, 0x01, 0x00})
	assert.Equal(t, "1f0100", c.State().LastNotification)
}

func TestDisconnect(t *testing.T) {
	c, ft := newTestCoordinator(t, Options{})
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	require.NoError(t, c.Disconnect(ctx))
	assert.False(t, c.Connected())
	assert.Equal(t, 1, ft.disconnects)
	assert.ErrorIs(t, c.SetBell(ctx, true), ErrNotConnected)
}

func TestConnectFailure(t *testing.T) {
	c, ft := newTestCoordinator(t, Options{})
	ft.connectErr = errors.New("no such device")

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, c.Connected())
}

func TestForceReconnect(t *testing.T) {
	c, ft := newTestCoordinator(t, Options{})
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	require.NoError(t, c.ForceReconnect(ctx))
	assert.True(t, c.Connected())
	assert.Equal(t, 2, ft.connectCount())
	assert.Equal(t, 1, ft.disconnects)
}

func TestRunReconnectsAfterLinkLoss(t *testing.T) {
	c, ft := newTestCoordinator(t, Options{AutoConnect: true})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)
	ft.drop()

	require.Eventually(t, func() bool { return ft.connectCount() == 2 && c.Connected() }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.False(t, c.Connected())
}

func TestRunWithoutAutoConnectWaitsForRequest(t *testing.T) {
	c, ft := newTestCoordinator(t, Options{AutoConnect: false})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, ft.connectCount())

	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.Connected())

	// queda depois de um Disconnect explícito não deve reconectar
	require.NoError(t, c.Disconnect(ctx))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, ft.connectCount())
}
