package setup

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"lionchief-bridge/pkg/ble"
	"lionchief-bridge/pkg/entry"
	"lionchief-bridge/pkg/lionchief"
	"lionchief-bridge/pkg/logging"
)

type mockDiscoverer struct {
	mock.Mock
}

func (m *mockDiscoverer) Cached() []ble.Advertisement {
	args := m.Called()
	advs, _ := args.Get(0).([]ble.Advertisement)
	return advs
}

func (m *mockDiscoverer) Discover(ctx context.Context, timeout time.Duration) ([]ble.Advertisement, error) {
	args := m.Called(ctx, timeout)
	advs, _ := args.Get(0).([]ble.Advertisement)
	return advs, args.Error(1)
}

// memStore é um entry.Store em memória para os testes do assistente.
type memStore struct {
	mu      sync.Mutex
	entries map[string]entry.Entry
}

func newMemStore(macs ...string) *memStore {
	s := &memStore{entries: make(map[string]entry.Entry)}
	for _, mac := range macs {
		e, _ := entry.New(mac, "existing", lionchief.ServiceUUID, "", entry.SourceUser)
		s.entries[e.ID] = *e
	}
	return s
}

func (s *memStore) List(context.Context) ([]entry.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entry.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MACAddress < out[j].MACAddress })
	return out, nil
}

func (s *memStore) Get(_ context.Context, id string) (*entry.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, entry.ErrNotFound
	}
	return &e, nil
}

func (s *memStore) GetByMAC(_ context.Context, mac string) (*entry.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.MACAddress == entry.NormalizeMAC(mac) {
			return &e, nil
		}
	}
	return nil, entry.ErrNotFound
}

func (s *memStore) Create(ctx context.Context, e *entry.Entry) error {
	if _, err := s.GetByMAC(ctx, e.MACAddress); err == nil {
		return entry.ErrAlreadyConfigured
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = *e
	return nil
}

func (s *memStore) Update(_ context.Context, e *entry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = *e
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *memStore) Close() error { return nil }

func adv(mac, name string, services ...string) ble.Advertisement {
	return ble.Advertisement{Address: mac, Name: name, ServiceUUIDs: services}
}

func newFlow(store entry.Store, d Discoverer) *Flow {
	return NewFlow(store, d, Options{ScanTimeout: time.Second}, logging.Discard())
}

func optionValues(res Result) []string {
	out := make([]string, 0, len(res.Options))
	for _, o := range res.Options {
		out = append(out, o.Value)
	}
	return out
}

func TestStepUserUsesCacheFirst(t *testing.T) {
	d := &mockDiscoverer{}
	d.On("Cached").Return([]ble.Advertisement{
		adv("aa:bb:cc:dd:ee:01", "LC-Polar"),
		adv("AA:BB:CC:DD:EE:02", "Speaker"),
		adv("AA:BB:CC:DD:EE:03", "", lionchief.ServiceUUID),
		adv("AA:BB:CC:DD:EE:01", "LC-Polar"),
	})
	flow := newFlow(newMemStore(), d)

	res, err := flow.StepUser(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, ResultForm, res.Type)
	assert.Equal(t, StepUser, res.StepID)
	assert.Nil(t, res.Errors)
	assert.Equal(t, []string{"AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:03", ManualEntry}, optionValues(res))
	assert.Equal(t, "LC-Polar (AA:BB:CC:DD:EE:01)", res.Options[0].Label)
	d.AssertNotCalled(t, "Discover", mock.Anything, mock.Anything)
}

func TestStepUserExcludesConfiguredDevices(t *testing.T) {
	d := &mockDiscoverer{}
	d.On("Cached").Return([]ble.Advertisement{
		adv("AA:BB:CC:DD:EE:01", "LC-Configured"),
		adv("AA:BB:CC:DD:EE:02", "lc-new"),
	})
	flow := newFlow(newMemStore("aa:bb:cc:dd:ee:01"), d)

	res, err := flow.StepUser(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"AA:BB:CC:DD:EE:02", ManualEntry}, optionValues(res))
	for _, c := range flow.Candidates() {
		assert.NotEqual(t, "AA:BB:CC:DD:EE:01", c.MACAddress)
	}
}

func TestStepUserFallsBackToActiveScan(t *testing.T) {
	d := &mockDiscoverer{}
	// só o trem já configurado está no cache, então o scan ativo precisa rodar
	d.On("Cached").Return([]ble.Advertisement{adv("AA:BB:CC:DD:EE:01", "LC-Old")})
	d.On("Discover", mock.Anything, time.Second).Return([]ble.Advertisement{
		adv("AA:BB:CC:DD:EE:01", "LC-Old"),
		adv("AA:BB:CC:DD:EE:05", "LC-Fresh"),
	}, nil).Once()
	flow := newFlow(newMemStore("AA:BB:CC:DD:EE:01"), d)

	res, err := flow.StepUser(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"AA:BB:CC:DD:EE:05", ManualEntry}, optionValues(res))
	d.AssertExpectations(t)
}

func TestStepUserNoDevicesFound(t *testing.T) {
	d := &mockDiscoverer{}
	d.On("Cached").Return(nil)
	d.On("Discover", mock.Anything, mock.Anything).Return(nil, nil)
	flow := newFlow(newMemStore(), d)

	res, err := flow.StepUser(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{ErrorBase: ErrNoDevicesFound}, res.Errors)
	assert.Equal(t, []string{ManualEntry}, optionValues(res))
}

func TestStepUserScanFailure(t *testing.T) {
	d := &mockDiscoverer{}
	d.On("Cached").Return(nil)
	d.On("Discover", mock.Anything, mock.Anything).Return(nil, errors.New("hci0: busy"))
	flow := newFlow(newMemStore(), d)

	res, err := flow.StepUser(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{ErrorBase: ErrCannotConnect}, res.Errors)
	assert.Equal(t, []string{ManualEntry}, optionValues(res))
}

func TestSelectDeviceThenTrainModel(t *testing.T) {
	d := &mockDiscoverer{}
	d.On("Cached").Return([]ble.Advertisement{adv("AA:BB:CC:DD:EE:01", "LC-Polar")})
	store := newMemStore()
	flow := newFlow(store, d)
	ctx := context.Background()

	_, err := flow.StepUser(ctx, nil)
	require.NoError(t, err)

	res, err := flow.StepUser(ctx, &UserInput{Device: "AA:BB:CC:DD:EE:01"})
	require.NoError(t, err)
	assert.Equal(t, StepTrainModel, res.StepID)
	assert.Equal(t, "Generic", res.Default)
	assert.Equal(t, "LC-Polar", res.Placeholders["name"])
	assert.Equal(t, []string{"Generic", "Polar Express", "Thomas The Tank Engine"}, optionValues(res))

	res, err = flow.StepTrainModel(ctx, &TrainModelInput{TrainModel: "Polar Express"})
	require.NoError(t, err)
	require.Equal(t, ResultCreateEntry, res.Type)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", res.Entry.MACAddress)
	assert.Equal(t, "LC-Polar", res.Entry.Name)
	assert.Equal(t, lionchief.ServiceUUID, res.Entry.ServiceUUID)
	assert.Equal(t, "Polar Express", res.Entry.TrainModel)
	assert.Equal(t, entry.SourceUser, res.Entry.Source)

	stored, err := store.GetByMAC(ctx, "AA:BB:CC:DD:EE:01")
	require.NoError(t, err)
	assert.Equal(t, res.Entry.ID, stored.ID)
}

func TestTrainModelDefaultsToGeneric(t *testing.T) {
	d := &mockDiscoverer{}
	d.On("Cached").Return([]ble.Advertisement{adv("AA:BB:CC:DD:EE:01", "LC-1")})
	flow := newFlow(newMemStore(), d)
	ctx := context.Background()

	_, err := flow.StepUser(ctx, nil)
	require.NoError(t, err)
	_, err = flow.StepUser(ctx, &UserInput{Device: "AA:BB:CC:DD:EE:01"})
	require.NoError(t, err)

	res, err := flow.StepTrainModel(ctx, &TrainModelInput{})
	require.NoError(t, err)
	assert.Equal(t, "Generic", res.Entry.TrainModel)
}

func TestSelectDeviceConfiguredMeanwhileAborts(t *testing.T) {
	d := &mockDiscoverer{}
	d.On("Cached").Return([]ble.Advertisement{adv("AA:BB:CC:DD:EE:01", "LC-1")})
	store := newMemStore()
	flow := newFlow(store, d)
	ctx := context.Background()

	_, err := flow.StepUser(ctx, nil)
	require.NoError(t, err)

	// outro assistente gravou o mesmo trem antes da escolha
	other, _ := entry.New("AA:BB:CC:DD:EE:01", "x", "", "", entry.SourceManual)
	require.NoError(t, store.Create(ctx, other))

	res, err := flow.StepUser(ctx, &UserInput{Device: "AA:BB:CC:DD:EE:01"})
	require.NoError(t, err)
	assert.Equal(t, ResultAbort, res.Type)
	assert.Equal(t, AbortAlreadyConfigured, res.Reason)
}

func TestSelectManualEntry(t *testing.T) {
	flow := newFlow(newMemStore(), &mockDiscoverer{})

	res, err := flow.StepUser(context.Background(), &UserInput{Device: ManualEntry})
	require.NoError(t, err)
	assert.Equal(t, StepManual, res.StepID)
	assert.Equal(t, DefaultName, res.Default)
	assert.Nil(t, res.Errors)
}

func TestStepManualInvalidMAC(t *testing.T) {
	d := &mockDiscoverer{}
	flow := newFlow(newMemStore(), d)

	for _, mac := range []string{"AA:BB:CC:DD:EE", "ZZ:BB:CC:DD:EE:FF"} {
		res, err := flow.StepManual(context.Background(), &ManualInput{MACAddress: mac})
		require.NoError(t, err)
		assert.Equal(t, StepManual, res.StepID)
		assert.Equal(t, map[string]string{ErrorMACAddress: ErrInvalidMAC}, res.Errors)
	}
	d.AssertNotCalled(t, "Discover", mock.Anything, mock.Anything)
}

func TestStepManualDeviceNotSeen(t *testing.T) {
	d := &mockDiscoverer{}
	d.On("Discover", mock.Anything, mock.Anything).Return([]ble.Advertisement{adv("11:22:33:44:55:66", "LC-other")}, nil)
	flow := newFlow(newMemStore(), d)

	res, err := flow.StepManual(context.Background(), &ManualInput{MACAddress: "AA:BB:CC:DD:EE:FF"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{ErrorBase: ErrCannotConnect}, res.Errors)
}

func TestStepManualScanError(t *testing.T) {
	d := &mockDiscoverer{}
	d.On("Discover", mock.Anything, mock.Anything).Return(nil, errors.New("adapter down"))
	flow := newFlow(newMemStore(), d)

	res, err := flow.StepManual(context.Background(), &ManualInput{MACAddress: "AA:BB:CC:DD:EE:FF"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{ErrorBase: ErrCannotConnect}, res.Errors)
}

func TestStepManualCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := &mockDiscoverer{}
	d.On("Discover", mock.Anything, mock.Anything).Return(nil, ctx.Err())
	flow := newFlow(newMemStore(), d)

	_, err := flow.StepManual(ctx, &ManualInput{MACAddress: "AA:BB:CC:DD:EE:FF"})
	assert.ErrorIs(t, err, context.Canceled)
}

// brokenStore falha ao gravar, como um banco indisponível.
type brokenStore struct {
	*memStore
}

func (brokenStore) Create(context.Context, *entry.Entry) error {
	return errors.New("database is locked")
}

func TestStepManualStoreFailureShowsUnknown(t *testing.T) {
	d := &mockDiscoverer{}
	d.On("Discover", mock.Anything, mock.Anything).Return([]ble.Advertisement{adv("AA:BB:CC:DD:EE:FF", "")}, nil)
	flow := newFlow(brokenStore{newMemStore()}, d)

	res, err := flow.StepManual(context.Background(), &ManualInput{MACAddress: "AA:BB:CC:DD:EE:FF"})
	require.NoError(t, err)
	assert.Equal(t, ResultForm, res.Type)
	assert.Equal(t, StepManual, res.StepID)
	assert.Equal(t, map[string]string{ErrorBase: ErrUnknown}, res.Errors)
}

func TestStepManualCreatesEntry(t *testing.T) {
	d := &mockDiscoverer{}
	d.On("Discover", mock.Anything, mock.Anything).Return([]ble.Advertisement{adv("AA:BB:CC:DD:EE:FF", "")}, nil)
	flow := newFlow(newMemStore(), d)

	res, err := flow.StepManual(context.Background(), &ManualInput{MACAddress: "aa:bb:cc:dd:ee:ff"})
	require.NoError(t, err)
	require.Equal(t, ResultCreateEntry, res.Type)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", res.Entry.MACAddress)
	assert.Equal(t, DefaultName, res.Entry.Name)
	assert.Equal(t, lionchief.ServiceUUID, res.Entry.ServiceUUID)
	assert.Equal(t, entry.SourceManual, res.Entry.Source)
}

func TestStepManualAlreadyConfigured(t *testing.T) {
	d := &mockDiscoverer{}
	d.On("Discover", mock.Anything, mock.Anything).Return([]ble.Advertisement{adv("AA:BB:CC:DD:EE:FF", "LC")}, nil)
	flow := newFlow(newMemStore("AA:BB:CC:DD:EE:FF"), d)

	res, err := flow.StepManual(context.Background(), &ManualInput{MACAddress: "AA:BB:CC:DD:EE:FF", Name: "Mine"})
	require.NoError(t, err)
	assert.Equal(t, ResultAbort, res.Type)
	assert.Equal(t, AbortAlreadyConfigured, res.Reason)
}

func TestStepBluetooth(t *testing.T) {
	ctx := context.Background()

	t.Run("NotLionel", func(t *testing.T) {
		flow := newFlow(newMemStore(), &mockDiscoverer{})
		res, err := flow.StepBluetooth(ctx, adv("AA:BB:CC:DD:EE:FF", "LC-1"))
		require.NoError(t, err)
		assert.Equal(t, AbortNotLionelDevice, res.Reason)
	})

	t.Run("AlreadyConfigured", func(t *testing.T) {
		flow := newFlow(newMemStore("AA:BB:CC:DD:EE:FF"), &mockDiscoverer{})
		res, err := flow.StepBluetooth(ctx, adv("aa:bb:cc:dd:ee:ff", "LC-1", lionchief.ServiceUUID))
		require.NoError(t, err)
		assert.Equal(t, AbortAlreadyConfigured, res.Reason)
	})

	t.Run("ConfirmWithoutName", func(t *testing.T) {
		store := newMemStore()
		flow := newFlow(store, &mockDiscoverer{})
		res, err := flow.StepBluetooth(ctx, adv("AA:BB:CC:DD:EE:FF", "", lionchief.ServiceUUID))
		require.NoError(t, err)
		assert.Equal(t, StepBluetoothConfirm, res.StepID)
		assert.Equal(t, "Lionel Train (EE:FF)", res.Placeholders["name"])
		assert.Equal(t, "AA:BB:CC:DD:EE:FF", res.Placeholders["address"])

		res, err = flow.StepBluetoothConfirm(ctx, true)
		require.NoError(t, err)
		require.Equal(t, ResultCreateEntry, res.Type)
		assert.Equal(t, "Lionel Train EEFF", res.Entry.Name)
		assert.Equal(t, entry.SourceBluetooth, res.Entry.Source)
	})

	t.Run("ConfirmKeepsAdvertisedName", func(t *testing.T) {
		flow := newFlow(newMemStore(), &mockDiscoverer{})
		_, err := flow.StepBluetooth(ctx, adv("AA:BB:CC:DD:EE:01", "LC-Thomas", lionchief.ServiceUUID))
		require.NoError(t, err)

		res, err := flow.StepBluetoothConfirm(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, "LC-Thomas", res.Entry.Name)
	})
}

func TestStepsWithoutContextFail(t *testing.T) {
	flow := newFlow(newMemStore(), &mockDiscoverer{})
	_, err := flow.StepTrainModel(context.Background(), nil)
	assert.Error(t, err)
	_, err = flow.StepBluetoothConfirm(context.Background(), true)
	assert.Error(t, err)
}
