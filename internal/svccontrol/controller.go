// Package svccontrol implements the per-service audio/label/image fan-out
// buffer that sits between a single DAB service decode and any number of HTTP
// long-poll readers. Grounded on wav_programme_handler.py's ring buffer and
// on the teacher's internal/radio/stream.go Broadcaster for the Go-idiomatic
// mutex+condition-variable shape.
package svccontrol

import (
	"errors"
	"sync"
)

// ErrUnsubscribed is returned to any waiter blocked in an await call when the
// controller is torn down while the wait is outstanding.
var ErrUnsubscribed = errors.New("svccontrol: service unsubscribed")

const bufferSize = 10

type audioFrame struct {
	data       []byte
	sampleRate int
	channels   int
}

// Controller buffers the last bufferSize audio frames for one DAB service in
// a ring, plus the most recent dynamic label and MOT image, and lets any
// number of readers await_audio(cursor)/await_label/await_image from their
// own position without losing frames produced while they were not waiting.
type Controller struct {
	mu   sync.Mutex
	cond *sync.Cond

	ring       [bufferSize]audioFrame
	nextFrame  int // index of the next frame to be written == total frames produced
	haveFrames bool

	label      string
	labelSeq   int
	image      []byte
	imageType  string
	imageSeq   int

	deleteInProgress bool
}

// New returns a ready-to-use Controller.
func New() *Controller {
	c := &Controller{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// PushAudio appends a frame to the ring, overwriting the oldest entry once
// full, and wakes every await_audio waiter.
func (c *Controller) PushAudio(data []byte, sampleRate, channels int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.ring[c.nextFrame%bufferSize] = audioFrame{data: cp, sampleRate: sampleRate, channels: channels}
	c.nextFrame++
	c.haveFrames = true
	c.cond.Broadcast()
}

// PushLabel records a new dynamic label and wakes every await_label waiter.
func (c *Controller) PushLabel(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.label = label
	c.labelSeq++
	c.cond.Broadcast()
}

// PushImage records a new MOT image and wakes every await_image waiter.
func (c *Controller) PushImage(data []byte, contentType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.image = cp
	c.imageType = contentType
	c.imageSeq++
	c.cond.Broadcast()
}

// StartCursor returns the cursor value a brand-new reader should pass to the
// first AwaitAudio call in order to receive only frames produced from now on.
func (c *Controller) StartCursor() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextFrame
}

// AwaitAudio blocks until at least one frame at or after startCursor is
// available, then returns the concatenation of every buffered frame from
// max(startCursor, oldestAvailable) through the newest, plus the cursor value
// to pass on the next call, and the stream's current sample rate/channels.
// Returns ErrUnsubscribed if the controller is torn down while waiting.
func (c *Controller) AwaitAudio(startCursor int) (data []byte, nextCursor int, sampleRate int, channels int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.nextFrame <= startCursor && !c.deleteInProgress {
		c.cond.Wait()
	}
	if c.deleteInProgress {
		return nil, startCursor, 0, 0, ErrUnsubscribed
	}

	oldest := c.nextFrame - bufferSize
	if oldest < 0 {
		oldest = 0
	}
	from := startCursor
	if from < oldest {
		from = oldest
	}

	var out []byte
	var sr, ch int
	for i := from; i < c.nextFrame; i++ {
		f := c.ring[i%bufferSize]
		out = append(out, f.data...)
		sr, ch = f.sampleRate, f.channels
	}
	return out, c.nextFrame, sr, ch, nil
}

// AwaitLabel blocks until the label changes from the one the caller last saw
// (identified by lastSeq, 0 meaning "never seen one"), then returns the new
// label and its sequence number.
func (c *Controller) AwaitLabel(lastSeq int) (label string, seq int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.labelSeq <= lastSeq && !c.deleteInProgress {
		c.cond.Wait()
	}
	if c.deleteInProgress {
		return "", lastSeq, ErrUnsubscribed
	}
	return c.label, c.labelSeq, nil
}

// AwaitImage blocks until a new MOT image has been pushed since lastSeq, then
// returns its bytes, content type, and sequence number.
func (c *Controller) AwaitImage(lastSeq int) (data []byte, contentType string, seq int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.imageSeq <= lastSeq && !c.deleteInProgress {
		c.cond.Wait()
	}
	if c.deleteInProgress {
		return nil, "", lastSeq, ErrUnsubscribed
	}
	return c.image, c.imageType, c.imageSeq, nil
}

// Close tears the controller down and wakes every outstanding waiter with
// ErrUnsubscribed. Idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteInProgress = true
	c.cond.Broadcast()
}
