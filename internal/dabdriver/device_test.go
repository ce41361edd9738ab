package dabdriver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRefusesSecondOwner(t *testing.T) {
	d := NewSimDevice()
	require.NoError(t, d.Acquire("11D"))
	err := d.Acquire("12A")
	assert.ErrorIs(t, err, ErrTunerBusy)
}

func TestReleaseAllowsReacquire(t *testing.T) {
	d := NewSimDevice()
	require.NoError(t, d.Acquire("11D"))
	d.Release()
	assert.NoError(t, d.Acquire("12A"))
	assert.Equal(t, "12A", d.Owned())
}

func TestInjectAudioDeliversToSubscribedCallback(t *testing.T) {
	d := NewSimDevice()
	var got []byte
	cb := &fakeCallbacks{onAudio: func(pcm []byte) { got = pcm }}
	require.NoError(t, d.SubscribeService(1001, cb))
	d.InjectAudio(1001, []byte{1, 2, 3}, 48000, 2)
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestSetChannelFiresServiceDetectedForTunedChannel(t *testing.T) {
	d := NewSimDevice()
	d.SimulatedServices = map[string][]SimService{
		"11D": {{ServiceID: 0xE1C1, Label: "Test Radio"}, {ServiceID: 0xE1C2, Label: "Traffic Data", Data: true}},
	}
	require.NoError(t, d.Acquire("11D"))

	var detected []uint32
	d.SetEnsembleCallbacks(&fakeCallbacks{onServiceDetected: func(sid uint32) { detected = append(detected, sid) }})
	require.NoError(t, d.SetChannel("11D", false))

	assert.ElementsMatch(t, []uint32{0xE1C1, 0xE1C2}, detected)

	name, ok := d.LookupServiceName(0xE1C1)
	require.True(t, ok)
	assert.Equal(t, "Test Radio", name)
	assert.True(t, d.IsAudioService(0xE1C1))
	assert.False(t, d.IsAudioService(0xE1C2))
}

func TestLookupServiceNameScopedToTunedChannel(t *testing.T) {
	d := NewSimDevice()
	d.SimulatedServices = map[string][]SimService{
		"11D": {{ServiceID: 0xE1C1, Label: "Test Radio"}},
		"12A": {{ServiceID: 0xE1C2, Label: "Other Radio"}},
	}
	require.NoError(t, d.Acquire("11D"))

	_, ok := d.LookupServiceName(0xE1C2)
	assert.False(t, ok, "service on an unrelated channel must not resolve while a different channel is tuned")
}

func TestEnumerateAllChannelNamesFallsBackToBandIII(t *testing.T) {
	d := NewSimDevice()
	assert.Equal(t, BandIIIChannels, d.EnumerateAllChannelNames())

	d.SimulatedServices = map[string][]SimService{"12A": nil, "11D": nil}
	assert.Equal(t, []string{"11D", "12A"}, d.EnumerateAllChannelNames())
}

type fakeCallbacks struct {
	onAudio           func(pcm []byte)
	onServiceDetected func(serviceID uint32)
}

func (f *fakeCallbacks) OnSignalPresence(present bool) {}
func (f *fakeCallbacks) OnServiceDetected(serviceID uint32) {
	if f.onServiceDetected != nil {
		f.onServiceDetected(serviceID)
	}
}
func (f *fakeCallbacks) OnEnsembleDetected(label string)               {}
func (f *fakeCallbacks) OnDynamicLabel(serviceID uint32, label string) {}
func (f *fakeCallbacks) OnMOTImage(serviceID uint32, data []byte, contentType string) {
}
func (f *fakeCallbacks) OnAudioFrame(serviceID uint32, pcm []byte, sampleRate, channels int) {
	if f.onAudio != nil {
		f.onAudio(pcm)
	}
}
