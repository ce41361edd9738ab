// Package radiocontrol arbitrates exclusive tuner ownership across DAB
// services and fans decoded audio/label/image callbacks out to per-service
// svccontrol.Controller instances. Grounded on the Python
// welle_python/radio_controller.py subscribe/unsubscribe/reset logic,
// generalized to add the deferred-release drain timer described in
// SPEC_FULL.md section 4.2 / section 9.
package radiocontrol

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Lamarqe/mpdcast-dab/internal/dabdriver"
	"github.com/Lamarqe/mpdcast-dab/internal/svccontrol"
)

// ErrChannelBusy is returned by Subscribe when a different channel is already
// owned and in use by at least one active subscriber.
var ErrChannelBusy = errors.New("radiocontrol: tuner owned by another channel")

// drainGrace is how long the tuner is kept tuned to a channel with zero
// active subscribers before it is actually released, so that a client
// resubscribing moments later (e.g. a page reload) does not force a retune.
// A var rather than a const so tests can shrink it instead of waiting out
// the real five seconds.
var drainGrace = 5 * time.Second

// ServiceResolvePollInterval and ServiceResolveTimeout control the lazy
// service-name resolution loop in Subscribe: a service just tuned to may not
// have had its FIC label decoded yet, so Subscribe polls at this interval up
// to this total timeout before reporting the service as not found. Exported
// so tests don't have to block for the full default wait.
var (
	ServiceResolvePollInterval = 500 * time.Millisecond
	ServiceResolveTimeout      = 10 * time.Second
)

type serviceEntry struct {
	ctrl *svccontrol.Controller
	refs int
}

// knownService is a lazily-resolved (name, is-audio) pair for a service id
// reported by the driver's ensemble callback while a channel is tuned.
// Resolution is lazy because the driver may report a service's id via
// OnServiceDetected well before its FIC-carried label has decoded.
type knownService struct {
	resolved bool
	name     string
	audio    bool
}

// Controller owns one Device and arbitrates which channel it is tuned to.
type Controller struct {
	mu            sync.Mutex
	device        dabdriver.Device
	channel       string
	services      map[uint32]*serviceEntry
	knownServices map[uint32]*knownService
	drainTimer    *time.Timer
}

// New returns a Controller driving device.
func New(device dabdriver.Device) *Controller {
	return &Controller{
		device:   device,
		services: make(map[uint32]*serviceEntry),
	}
}

// Subscribe acquires the tuner for channel if necessary, resolves serviceName
// to a service id by watching the ensemble's detected services (per
// SPEC_FULL.md section 4.2), and returns the svccontrol.Controller feeding
// its audio/label/image. Multiple subscribers to the same (channel, name)
// share one Controller via a refcount. Returns ErrChannelBusy if the tuner is
// owned by a different channel with active subscribers, or an error naming
// the service if it cannot be resolved within ServiceResolveTimeout.
func (c *Controller) Subscribe(channel, serviceName string) (*svccontrol.Controller, error) {
	c.mu.Lock()

	if c.drainTimer != nil && c.channel == channel {
		c.drainTimer.Stop()
		c.drainTimer = nil
	}

	if c.channel != "" && c.channel != channel && c.hasActiveSubscribersLocked() {
		c.mu.Unlock()
		return nil, ErrChannelBusy
	}

	if c.channel != channel {
		c.teardownAllLocked()
		if c.channel != "" {
			c.device.Release()
		}
		if err := c.device.Acquire(channel); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.channel = channel
		c.knownServices = make(map[uint32]*knownService)
		c.device.SetEnsembleCallbacks(&ensembleBridge{ctrl: c})
		// the driver may report OnServiceDetected before SetChannel returns
		// (SimDevice does), and ensembleBridge takes c.mu, so the lock is
		// released around the tune.
		c.mu.Unlock()
		err := c.device.SetChannel(channel, false)
		c.mu.Lock()
		if err != nil {
			if c.channel == channel {
				c.channel = ""
			}
			c.mu.Unlock()
			return nil, err
		}
	}

	serviceID, found := c.lookupKnownLocked(serviceName)
	c.mu.Unlock()

	if !found {
		var err error
		serviceID, err = c.resolveServiceID(channel, serviceName)
		if err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// the channel may have been abandoned by a competing retune while the
	// lock was released for resolution; re-validate before subscribing.
	if c.channel != channel {
		return nil, ErrChannelBusy
	}

	entry, ok := c.services[serviceID]
	if !ok {
		ctrl := svccontrol.New()
		if err := c.device.SubscribeService(serviceID, &callbackBridge{ctrl: ctrl}); err != nil {
			return nil, err
		}
		entry = &serviceEntry{ctrl: ctrl}
		c.services[serviceID] = entry
	}
	entry.refs++
	return entry.ctrl, nil
}

// resolveServiceID polls the ensemble's known-service registry every
// ServiceResolvePollInterval, without holding c.mu between checks, until name
// resolves to a service id or ServiceResolveTimeout elapses. Per SPEC_FULL.md
// section 5 the controller's mutex must not be held across this multi-second
// wait, unlike the Python original which holds its asyncio lock for the
// whole of _wait_for_channel.
func (c *Controller) resolveServiceID(channel, name string) (uint32, error) {
	deadline := time.Now().Add(ServiceResolveTimeout)
	for {
		c.mu.Lock()
		if c.channel != channel {
			c.mu.Unlock()
			return 0, ErrChannelBusy
		}
		if serviceID, ok := c.lookupKnownLocked(name); ok {
			c.mu.Unlock()
			return serviceID, nil
		}
		c.mu.Unlock()

		if time.Now().After(deadline) {
			return 0, fmt.Errorf("radiocontrol: service %q not found in channel %s", name, channel)
		}
		time.Sleep(ServiceResolvePollInterval)
	}
}

// lookupKnownLocked lazily fills in the name/audio classification for any
// service ids the ensemble has reported but not yet resolved, then returns
// the id whose trimmed name matches name among the audio services. Must be
// called with c.mu held.
func (c *Controller) lookupKnownLocked(name string) (uint32, bool) {
	for serviceID, ks := range c.knownServices {
		if !ks.resolved {
			label, ok := c.device.LookupServiceName(serviceID)
			if !ok {
				continue
			}
			ks.name = strings.TrimRight(label, " ")
			ks.audio = c.device.IsAudioService(serviceID)
			ks.resolved = true
		}
		if ks.audio && ks.name == name {
			return serviceID, true
		}
	}
	return 0, false
}

// noteServiceDetected records that the ensemble has a service with this id,
// for lazy name resolution by lookupKnownLocked. Called from ensembleBridge,
// which may run on a foreign driver thread.
func (c *Controller) noteServiceDetected(serviceID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.knownServices == nil {
		return
	}
	if _, ok := c.knownServices[serviceID]; !ok {
		c.knownServices[serviceID] = &knownService{}
	}
}

// hasActiveSubscribersLocked reports whether any service on the current
// channel has a live (refs > 0) subscriber. A channel whose sole remaining
// entry is kept alive through the drain grace window (refs == 0) does not
// count, so a different channel can be requested immediately. Must be called
// with c.mu held.
func (c *Controller) hasActiveSubscribersLocked() bool {
	for _, e := range c.services {
		if e.refs > 0 {
			return true
		}
	}
	return false
}

// teardownAllLocked closes and drops every tracked service entry, including
// ones kept alive for a pending drain, and cancels that drain timer. Must be
// called with c.mu held, before abandoning the current channel.
func (c *Controller) teardownAllLocked() {
	if c.drainTimer != nil {
		c.drainTimer.Stop()
		c.drainTimer = nil
	}
	for id, e := range c.services {
		e.ctrl.Close()
		if err := c.device.UnsubscribeService(id); err != nil {
			slog.Warn("radiocontrol: driver unsubscribe failed", "service", id, "error", err)
		}
		delete(c.services, id)
	}
}

// Unsubscribe drops one reference to the service named serviceName on
// channel. If another service on the same channel still has active
// subscribers, the dropped service's controller and driver subscription are
// torn down immediately. If it is the channel's last remaining entry, it is
// kept alive (not closed, not unsubscribed from the driver) through the
// drainGrace window instead, so a resubscribe to the same (channel, name)
// shortly after returns the identical ServiceController rather than forcing
// a fresh driver subscribe. Teardown in that case happens at drain timer
// expiry, or immediately if the tuner is retuned to a different channel
// first.
func (c *Controller) Unsubscribe(channel, serviceName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != channel {
		return
	}
	serviceID, ok := c.lookupKnownLocked(serviceName)
	if !ok {
		return
	}
	entry, ok := c.services[serviceID]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs > 0 {
		return
	}

	if c.hasActiveSubscribersLocked() {
		entry.ctrl.Close()
		if err := c.device.UnsubscribeService(serviceID); err != nil {
			slog.Warn("radiocontrol: driver unsubscribe failed", "service", serviceID, "error", err)
		}
		delete(c.services, serviceID)
		return
	}

	c.scheduleDrainLocked()
}

// scheduleDrainLocked arms the tuner-release timer. The channel's service
// entries (normally just the one zero-ref entry left by Unsubscribe) are torn
// down only when the timer actually fires, not here, so a resubscribe before
// it fires finds them intact. Must be called with c.mu held.
func (c *Controller) scheduleDrainLocked() {
	if c.drainTimer != nil {
		c.drainTimer.Stop()
	}
	channel := c.channel
	c.drainTimer = time.AfterFunc(drainGrace, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.channel != channel {
			return
		}
		c.teardownAllLocked()
		c.device.Release()
		c.channel = ""
		c.knownServices = nil
		slog.Info("radiocontrol: tuner released after drain", "channel", channel)
	})
}

// Channel returns the currently tuned channel, or "" if untuned.
func (c *Controller) Channel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// Lookup returns the Controller for an already-subscribed service on channel
// without taking a new reference. ok is false if channel is not the tuned
// channel, the name doesn't resolve, or no one is currently subscribed to it.
func (c *Controller) Lookup(channel, serviceName string) (*svccontrol.Controller, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != channel {
		return nil, false
	}
	serviceID, ok := c.lookupKnownLocked(serviceName)
	if !ok {
		return nil, false
	}
	entry, ok := c.services[serviceID]
	if !ok {
		return nil, false
	}
	return entry.ctrl, true
}

// callbackBridge adapts dabdriver.Callbacks onto a single svccontrol.Controller.
// Driver callbacks may arrive on a foreign thread; every method here only
// ever touches ctrl, which is already safe for concurrent use.
type callbackBridge struct {
	ctrl *svccontrol.Controller
}

func (b *callbackBridge) OnSignalPresence(present bool)      {}
func (b *callbackBridge) OnServiceDetected(serviceID uint32) {}
func (b *callbackBridge) OnEnsembleDetected(ensembleLabel string) {}

func (b *callbackBridge) OnAudioFrame(serviceID uint32, pcm []byte, sampleRate int, channels int) {
	b.ctrl.PushAudio(pcm, sampleRate, channels)
}

func (b *callbackBridge) OnDynamicLabel(serviceID uint32, label string) {
	b.ctrl.PushLabel(label)
}

func (b *callbackBridge) OnMOTImage(serviceID uint32, data []byte, contentType string) {
	b.ctrl.PushImage(data, contentType)
}

// ensembleBridge adapts dabdriver.Callbacks onto a Controller's knownServices
// registry, feeding the lazy service-name resolution used by Subscribe and
// Lookup. Unlike callbackBridge it is registered once per tuned channel
// rather than once per subscribed service.
type ensembleBridge struct {
	ctrl *Controller
}

func (b *ensembleBridge) OnSignalPresence(present bool) {}

func (b *ensembleBridge) OnServiceDetected(serviceID uint32) {
	b.ctrl.noteServiceDetected(serviceID)
}

func (b *ensembleBridge) OnEnsembleDetected(ensembleLabel string)                             {}
func (b *ensembleBridge) OnAudioFrame(serviceID uint32, pcm []byte, sampleRate, channels int) {}
func (b *ensembleBridge) OnDynamicLabel(serviceID uint32, label string)                       {}
func (b *ensembleBridge) OnMOTImage(serviceID uint32, data []byte, contentType string)        {}
