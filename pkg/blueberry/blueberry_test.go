package blueberry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newButtonStateHarness(events chan ButtonEvent) *Blueberry {
	b := &Blueberry{logger: zap.NewNop().Sugar()}
	b.holds = newHoldTracker(time.Second, func(e ButtonEvent) { events <- e })
	return b
}

func TestHandleButtonStateValueField(t *testing.T) {
	events := make(chan ButtonEvent, 4)
	b := newButtonStateHarness(events)

	b.handleButtonState(b.logger, []byte(`{"id":"binary_sensor-sw2","value":true}`))
	b.handleButtonState(b.logger, []byte(`{"id":"binary_sensor-sw2","value":false}`))

	select {
	case event := <-events:
		assert.Equal(t, ButtonEvent{Button: 2, Hold: false}, event)
	case <-time.After(time.Second):
		t.Fatal("expected a button event")
	}
}

func TestHandleButtonStateStateField(t *testing.T) {
	events := make(chan ButtonEvent, 4)
	b := newButtonStateHarness(events)

	b.handleButtonState(b.logger, []byte(`{"id":"binary_sensor-sw0","state":"ON"}`))
	b.handleButtonState(b.logger, []byte(`{"id":"binary_sensor-sw0","state":"OFF"}`))

	select {
	case event := <-events:
		assert.Equal(t, ButtonEvent{Button: 0, Hold: false}, event)
	case <-time.After(time.Second):
		t.Fatal("expected a button event")
	}
}

func TestHandleButtonStateIgnoresIrrelevantPayloads(t *testing.T) {
	events := make(chan ButtonEvent, 4)
	b := newButtonStateHarness(events)

	b.handleButtonState(b.logger, []byte(`not json at all`))
	b.handleButtonState(b.logger, []byte(`{"id":"sensor-temperature","value":21.5}`))
	b.handleButtonState(b.logger, []byte(`{"id":"binary_sensor-doorbell","value":true}`))
	b.handleButtonState(b.logger, []byte(`{"value":true}`))

	select {
	case event := <-events:
		t.Fatalf("unexpected event: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFailRecordsAndStops(t *testing.T) {
	inTempDir(t)

	notifier := &fakeNotifier{}
	b := &Blueberry{
		logger:      zap.NewNop().Sugar(),
		notifier:    notifier,
		config:      &CanonicalConfig{WriteErrorLog: true},
		stopChannel: make(chan bool, 1),
		quit:        make(chan struct{}),
	}

	b.fail(errors.New("interactive session terminated"))

	assert.NotEmpty(t, notifier.notifications)
	assert.FileExists(t, errorLogFilepath)
	assert.True(t, b.stopRequested())
}

func TestFailIsIgnoredAfterStopRequested(t *testing.T) {
	inTempDir(t)

	notifier := &fakeNotifier{}
	b := &Blueberry{
		logger:      zap.NewNop().Sugar(),
		notifier:    notifier,
		config:      &CanonicalConfig{WriteErrorLog: true, RestartOnFailure: true},
		stopChannel: make(chan bool, 1),
		quit:        make(chan struct{}),
	}

	// a graceful stop kills the bluetoothctl child, so the control loop can
	// surface a termination error mid-teardown; that must not trip recovery
	b.signalStop()
	b.fail(errors.New("interactive session terminated"))

	assert.Empty(t, notifier.notifications)
	assert.NoFileExists(t, errorLogFilepath)
}

func TestStartInputClearsFailedTransport(t *testing.T) {
	b := &Blueberry{logger: zap.NewNop().Sugar(), config: &CanonicalConfig{}}
	b.config.ConnectionInfo.SERIAL_Port = "/dev/blueberryd-test-missing"
	b.config.ConnectionInfo.SERIAL_BaudRate = 115200

	var err error
	b.serial, err = NewSerialButtons(b, b.logger)
	require.NoError(t, err)
	b.sse, err = NewSseButtons(b, b.logger)
	require.NoError(t, err)

	b.startInput()

	// the failed transport must not linger as the active input
	assert.Nil(t, b.input)
}

func TestConfigReloadRestartsButtonInput(t *testing.T) {
	inTempDir(t)

	config, err := NewConfig(zap.NewNop().Sugar(), &fakeNotifier{})
	require.NoError(t, err)
	require.NoError(t, config.Load())

	b := &Blueberry{
		logger:      zap.NewNop().Sugar(),
		config:      config,
		stopChannel: make(chan bool, 1),
		quit:        make(chan struct{}),
	}
	b.serial, err = NewSerialButtons(b, b.logger)
	require.NoError(t, err)
	b.sse, err = NewSseButtons(b, b.logger)
	require.NoError(t, err)

	b.startInput()
	require.Nil(t, b.input)

	b.setupOnConfigReload()
	t.Cleanup(func() {
		b.ioMutex.Lock()
		if b.input != nil {
			b.input.Stop()
		}
		b.ioMutex.Unlock()
	})

	// wait for the reload handler to block on the subscription channel;
	// notifications sent with no receiver ready are dropped
	time.Sleep(50 * time.Millisecond)

	config.ConnectionInfo.SSE_URL = "http://buttons.local/events"
	config.onConfigReloaded()

	require.Eventually(t, func() bool {
		b.ioMutex.Lock()
		defer b.ioMutex.Unlock()
		return b.input == b.sse
	}, time.Second, 10*time.Millisecond)
}

func TestDispatchButtonEventReachesSubscribers(t *testing.T) {
	b := &Blueberry{logger: zap.NewNop().Sugar()}

	received := make(chan ButtonEvent, 1)
	subscription := b.SubscribeToButtonEvents()

	go func() {
		received <- <-subscription
	}()

	// wait for the subscriber to block on the channel; events sent with no
	// receiver ready are dropped rather than buffered
	time.Sleep(50 * time.Millisecond)

	b.dispatchButtonEvent(ButtonEvent{Button: ButtonNext})

	select {
	case event := <-received:
		assert.Equal(t, ButtonEvent{Button: ButtonNext}, event)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
}
