package radiocontrol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lamarqe/mpdcast-dab/internal/dabdriver"
)

func newTestDevice(sim map[string][]dabdriver.SimService) *dabdriver.SimDevice {
	dev := dabdriver.NewSimDevice()
	dev.SimulatedServices = sim
	return dev
}

func TestSubscribeSharesControllerAcrossRefs(t *testing.T) {
	dev := newTestDevice(map[string][]dabdriver.SimService{
		"11D": {{ServiceID: 1001, Label: "Test Radio"}},
	})
	rc := New(dev)

	ctrl1, err := rc.Subscribe("11D", "Test Radio")
	require.NoError(t, err)
	ctrl2, err := rc.Subscribe("11D", "Test Radio")
	require.NoError(t, err)
	assert.Same(t, ctrl1, ctrl2)
	assert.Equal(t, "11D", rc.Channel())
}

func TestSubscribeDifferentChannelBusy(t *testing.T) {
	dev := newTestDevice(map[string][]dabdriver.SimService{
		"11D": {{ServiceID: 1001, Label: "Test Radio"}},
		"12A": {{ServiceID: 2002, Label: "Other Radio"}},
	})
	rc := New(dev)

	_, err := rc.Subscribe("11D", "Test Radio")
	require.NoError(t, err)
	_, err = rc.Subscribe("12A", "Other Radio")
	assert.ErrorIs(t, err, ErrChannelBusy)
}

func TestRetuneAfterFullyUnsubscribed(t *testing.T) {
	dev := newTestDevice(map[string][]dabdriver.SimService{
		"11D": {{ServiceID: 1001, Label: "Test Radio"}},
		"12A": {{ServiceID: 2002, Label: "Other Radio"}},
	})
	rc := New(dev)

	_, err := rc.Subscribe("11D", "Test Radio")
	require.NoError(t, err)
	rc.Unsubscribe("11D", "Test Radio")

	// A new channel is allowed immediately: the drain timer only delays the
	// native Release(), not acceptance of a different channel when no
	// subscribers remain.
	_, err = rc.Subscribe("12A", "Other Radio")
	require.NoError(t, err)
	assert.Equal(t, "12A", rc.Channel())
}

func TestResubscribeWithinDrainGraceReturnsSameController(t *testing.T) {
	dev := newTestDevice(map[string][]dabdriver.SimService{
		"11D": {{ServiceID: 1001, Label: "Test Radio"}},
	})
	rc := New(dev)

	ctrl1, err := rc.Subscribe("11D", "Test Radio")
	require.NoError(t, err)
	rc.Unsubscribe("11D", "Test Radio")

	// the sole subscriber dropped out, entering the channel's drain window;
	// a prompt resubscribe to the same (channel, name) must reuse the same
	// ServiceController and must not re-issue a driver subscribe.
	ctrl2, err := rc.Subscribe("11D", "Test Radio")
	require.NoError(t, err)
	assert.Same(t, ctrl1, ctrl2)
	assert.Equal(t, "11D", dev.Owned(), "tuner must still be held during the grace window")
}

func TestDrainTimerTearsDownLastServiceAfterGrace(t *testing.T) {
	origGrace := drainGrace
	drainGrace = 10 * time.Millisecond
	defer func() { drainGrace = origGrace }()

	dev := newTestDevice(map[string][]dabdriver.SimService{
		"11D": {{ServiceID: 1001, Label: "Test Radio"}},
	})
	rc := New(dev)

	_, err := rc.Subscribe("11D", "Test Radio")
	require.NoError(t, err)
	rc.Unsubscribe("11D", "Test Radio")

	require.Eventually(t, func() bool {
		return dev.Owned() == ""
	}, time.Second, time.Millisecond, "tuner should be released once the drain timer fires")
}

func TestSubscribeUnknownServiceTimesOut(t *testing.T) {
	origInterval, origTimeout := ServiceResolvePollInterval, ServiceResolveTimeout
	ServiceResolvePollInterval = time.Millisecond
	ServiceResolveTimeout = 20 * time.Millisecond
	defer func() {
		ServiceResolvePollInterval, ServiceResolveTimeout = origInterval, origTimeout
	}()

	dev := newTestDevice(map[string][]dabdriver.SimService{
		"11D": {{ServiceID: 1001, Label: "Test Radio"}},
	})
	rc := New(dev)

	_, err := rc.Subscribe("11D", "Nonexistent Station")
	assert.Error(t, err)
}

func TestSubscribeSkipsDataOnlyServices(t *testing.T) {
	dev := newTestDevice(map[string][]dabdriver.SimService{
		"11D": {{ServiceID: 1002, Label: "Traffic Data", Data: true}},
	})
	rc := New(dev)

	origInterval, origTimeout := ServiceResolvePollInterval, ServiceResolveTimeout
	ServiceResolvePollInterval = time.Millisecond
	ServiceResolveTimeout = 20 * time.Millisecond
	defer func() {
		ServiceResolvePollInterval, ServiceResolveTimeout = origInterval, origTimeout
	}()

	_, err := rc.Subscribe("11D", "Traffic Data")
	assert.Error(t, err, "a non-audio service must not resolve as a subscribable program")
}
