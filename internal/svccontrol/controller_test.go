package svccontrol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwaitAudioReturnsContiguousFrames(t *testing.T) {
	c := New()
	cursor := c.StartCursor()
	c.PushAudio([]byte{1, 2}, 48000, 2)
	c.PushAudio([]byte{3, 4}, 48000, 2)

	data, next, sr, ch, err := c.AwaitAudio(cursor)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)
	assert.Equal(t, 48000, sr)
	assert.Equal(t, 2, ch)
	assert.Greater(t, next, cursor)
}

func TestAwaitAudioWraparoundDropsOldest(t *testing.T) {
	c := New()
	cursor := c.StartCursor()
	for i := 0; i < bufferSize+3; i++ {
		c.PushAudio([]byte{byte(i)}, 48000, 2)
	}
	data, _, _, _, err := c.AwaitAudio(cursor)
	require.NoError(t, err)
	// only the most recent bufferSize frames survive the ring.
	assert.Len(t, data, bufferSize)
	assert.Equal(t, byte(3), data[0])
}

func TestAwaitAudioBlocksUntilPush(t *testing.T) {
	c := New()
	cursor := c.StartCursor()
	done := make(chan struct{})
	go func() {
		_, _, _, _, err := c.AwaitAudio(cursor)
		assert.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("AwaitAudio returned before any frame was pushed")
	case <-time.After(20 * time.Millisecond):
	}

	c.PushAudio([]byte{9}, 48000, 2)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AwaitAudio did not wake after push")
	}
}

func TestCloseWakesWaitersWithUnsubscribed(t *testing.T) {
	c := New()
	cursor := c.StartCursor()
	errCh := make(chan error, 1)
	go func() {
		_, _, _, _, err := c.AwaitAudio(cursor)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	c.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrUnsubscribed)
	case <-time.After(time.Second):
		t.Fatal("Close did not wake waiter")
	}
}

func TestAwaitLabelSequencing(t *testing.T) {
	c := New()
	resultCh := make(chan string, 1)
	go func() {
		label, _, err := c.AwaitLabel(0)
		require.NoError(t, err)
		resultCh <- label
	}()
	time.Sleep(20 * time.Millisecond)
	c.PushLabel("Now Playing: Test")

	select {
	case label := <-resultCh:
		assert.Equal(t, "Now Playing: Test", label)
	case <-time.After(time.Second):
		t.Fatal("AwaitLabel did not wake after push")
	}
}
