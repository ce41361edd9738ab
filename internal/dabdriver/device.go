// Package dabdriver defines the abstraction boundary between the DAB tuner
// hardware/library and the rest of the service. A real implementation binds
// to a native DAB decoder (e.g. welle.io) via cgo; SimDevice below is a
// deterministic in-memory stand-in used for development and tests.
package dabdriver

import (
	"errors"
	"sort"
	"sync"
)

// ErrTunerBusy is returned by Acquire when another owner already holds the
// tuner. Arbitration is resolved by refusal, never by blocking.
var ErrTunerBusy = errors.New("dabdriver: tuner already owned")

// BandIIIChannels is the ordered set of DAB channels (Band III, UK/EU
// allocation) a full sweep tunes through, and the channel list a real driver
// has no runtime way to discover short of tuning to every one of them.
var BandIIIChannels = []string{
	"5A", "5B", "5C", "5D", "6A", "6B", "6C", "6D",
	"7A", "7B", "7C", "7D", "8A", "8B", "8C", "8D",
	"9A", "9B", "9C", "9D", "10A", "10B", "10C", "10D",
	"11A", "11B", "11C", "11D", "12A", "12B", "12C", "12D",
	"13A", "13B", "13C", "13D", "13E", "13F",
}

// Callbacks receives asynchronous notifications from the driver. In a real
// cgo binding these fire on a foreign (driver) thread; callers must treat
// every method as if invoked concurrently with everything else and must not
// assume goroutine affinity. OnServiceDetected carries only the service id:
// the FFI's on_service_detected(sid) callback never supplies a display name,
// which must be fetched separately via LookupServiceName once the FIC has
// decoded it.
type Callbacks interface {
	OnSignalPresence(present bool)
	OnServiceDetected(serviceID uint32)
	OnEnsembleDetected(ensembleLabel string)
	OnAudioFrame(serviceID uint32, pcm []byte, sampleRate int, channels int)
	OnDynamicLabel(serviceID uint32, label string)
	OnMOTImage(serviceID uint32, data []byte, contentType string)
}

// Device is the full contract a tuner driver must satisfy.
type Device interface {
	// Acquire attempts to take exclusive ownership of the tuner for channel.
	// Returns ErrTunerBusy if another channel is already owned.
	Acquire(channel string) error
	// Release gives up ownership of the tuner. Safe to call when not owned.
	Release()
	// Owned reports the currently tuned channel, or "" if not owned.
	Owned() string

	// SubscribeService asks the driver to start decoding serviceID on the
	// currently-tuned channel and deliver callbacks to cb. Synchronous: the
	// native call completes (or fails) before this returns.
	SubscribeService(serviceID uint32, cb Callbacks) error
	// UnsubscribeService stops decoding serviceID. Synchronous.
	UnsubscribeService(serviceID uint32) error

	// SetChannel tunes the hardware to channel ("" to untune between scans).
	// scanning indicates whether this tune is for a full-band sweep rather
	// than live listening; either way, ensemble callbacks registered via
	// SetEnsembleCallbacks may fire as the FIC decodes.
	SetChannel(channel string, scanning bool) error

	// SetEnsembleCallbacks registers the callback set used to report
	// OnServiceDetected/OnEnsembleDetected/OnSignalPresence for the
	// currently-tuned channel, whether that tune is a scan sweep or a live
	// listening session. Pass nil to clear.
	SetEnsembleCallbacks(cb Callbacks)

	// LookupServiceName returns the display label the driver has decoded for
	// serviceID on the currently-tuned channel's ensemble. ok is false if the
	// FIC has not yet delivered a name for that id (or the id is unknown).
	LookupServiceName(serviceID uint32) (name string, ok bool)
	// IsAudioService reports whether serviceID is a primary audio service as
	// opposed to a data-only (e.g. journaline, slideshow) component.
	IsAudioService(serviceID uint32) bool
	// EnumerateAllChannelNames lists every channel a full sweep should visit.
	// A real driver has no runtime source for this beyond the fixed Band III
	// allocation table.
	EnumerateAllChannelNames() []string
}

// SimDevice is an in-memory Device used by tests and as a development
// fallback when no native driver is linked in.
type SimDevice struct {
	mu                sync.Mutex
	owner             string
	services          map[uint32]Callbacks
	ensembleCallbacks Callbacks
	// SimulatedServices, if set, maps a channel to the services it reports
	// via OnServiceDetected/LookupServiceName/IsAudioService once tuned.
	// Intended for scanner and radiocontrol tests; real drivers discover
	// this from the FIC.
	SimulatedServices map[string][]SimService
}

// SimService is a service advertised on a simulated channel. Data marks a
// non-audio component (e.g. journaline), which IsAudioService reports false.
type SimService struct {
	ServiceID uint32
	Label     string
	Data      bool
}

// NewSimDevice returns a ready-to-use simulated tuner.
func NewSimDevice() *SimDevice {
	return &SimDevice{services: make(map[uint32]Callbacks)}
}

func (d *SimDevice) Acquire(channel string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owner != "" && d.owner != channel {
		return ErrTunerBusy
	}
	d.owner = channel
	return nil
}

func (d *SimDevice) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.owner = ""
	d.services = make(map[uint32]Callbacks)
}

func (d *SimDevice) Owned() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.owner
}

func (d *SimDevice) SubscribeService(serviceID uint32, cb Callbacks) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services[serviceID] = cb
	return nil
}

func (d *SimDevice) UnsubscribeService(serviceID uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.services, serviceID)
	return nil
}

func (d *SimDevice) SetChannel(channel string, scanning bool) error {
	d.mu.Lock()
	cb := d.ensembleCallbacks
	services := append([]SimService(nil), d.SimulatedServices[channel]...)
	d.mu.Unlock()

	if channel == "" || cb == nil {
		return nil
	}
	for _, svc := range services {
		cb.OnServiceDetected(svc.ServiceID)
	}
	return nil
}

func (d *SimDevice) SetEnsembleCallbacks(cb Callbacks) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensembleCallbacks = cb
}

func (d *SimDevice) LookupServiceName(serviceID uint32) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, svc := range d.SimulatedServices[d.owner] {
		if svc.ServiceID == serviceID {
			return svc.Label, true
		}
	}
	return "", false
}

func (d *SimDevice) IsAudioService(serviceID uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, svc := range d.SimulatedServices[d.owner] {
		if svc.ServiceID == serviceID {
			return !svc.Data
		}
	}
	return false
}

func (d *SimDevice) EnumerateAllChannelNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.SimulatedServices) == 0 {
		return append([]string(nil), BandIIIChannels...)
	}
	names := make([]string, 0, len(d.SimulatedServices))
	for ch := range d.SimulatedServices {
		names = append(names, ch)
	}
	sort.Strings(names)
	return names
}

// InjectAudio feeds a synthetic audio frame to a subscribed service, for
// tests that exercise the Service Controller through a real Device.
func (d *SimDevice) InjectAudio(serviceID uint32, pcm []byte, sampleRate, channels int) {
	d.mu.Lock()
	cb := d.services[serviceID]
	d.mu.Unlock()
	if cb != nil {
		cb.OnAudioFrame(serviceID, pcm, sampleRate, channels)
	}
}
