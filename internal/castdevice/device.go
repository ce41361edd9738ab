// Package castdevice models the small slice of the Chromecast CASTV2
// protocol the bridge needs: connect, launch/quit the receiver app, and push
// media status/metadata. Grounded on mpdcast/local_media_player.py and
// mpdcast/mpd_caster.py's use of a discovery/RPC library. No protobuf
// library is available anywhere in the retrieved corpus; CASTV2 normally
// frames protobuf messages, but this process only ever exchanges the
// handful of JSON-payload namespaces (connection, receiver, media) that every
// CASTV2 implementation also represents as JSON internally, so a
// length-prefixed JSON frame over TLS (stdlib crypto/tls + encoding/json) is
// used instead of generating protobuf bindings for a single envelope
// message — see DESIGN.md.
package castdevice

import (
	"time"
)

// APPLocal is the custom Chromecast receiver app ID mpdcast-dab registers,
// carried over unchanged from local_media_player.py.
const APPLocal = "D29D8DD1"

// Namespaces used by the local media player / connection / status channels.
const (
	NamespaceConnection = "urn:x-cast:com.google.cast.tp.connection"
	NamespaceReceiver   = "urn:x-cast:com.google.cast.receiver"
	NamespaceMedia      = "urn:x-cast:com.google.cast.media"
)

// Info describes a discovered Chromecast on the network.
type Info struct {
	Name string
	Host string
	Port int
	UUID string
}

// Status is the receiver-level application status.
type Status struct {
	AppID        string
	DisplayName  string
	StatusText   string
}

// MediaStatus is the subset of the media namespace's MediaStatus message the
// bridge polls for a session id.
type MediaStatus struct {
	MediaSessionID int
	PlayerState    string
}

// ConnectionListener is notified of connect/disconnect transitions.
type ConnectionListener interface {
	NewConnectionStatus(connected bool)
}

// MediaStatusListener is notified of media status pushes from the receiver.
type MediaStatusListener interface {
	NewMediaStatus(status MediaStatus)
}

// MusicTrackMetadata is the metadata pushed to the receiver for the
// currently playing track.
type MusicTrackMetadata struct {
	Title      string
	Artist     string
	AlbumCover string
}

// MediaController is the receiver-app media control surface the bridge
// drives: launch, quit, play a stream URL, and push metadata for whatever is
// already playing.
type MediaController interface {
	// PlayMedia starts playback of streamURL on the receiver and returns once
	// the request has been acknowledged (not once playback has started).
	PlayMedia(streamURL string, contentType string) error
	// SetMusicTrackMediaMetadata pushes metadata for the active queue item.
	SetMusicTrackMediaMetadata(meta MusicTrackMetadata) error
	// Status returns the last known MediaStatus.
	Status() MediaStatus
}

// Device is a connected Chromecast: its receiver status and a media
// controller once an app is launched.
type Device interface {
	Info() Info
	// QuitApp asks the receiver to quit its current app.
	QuitApp() error
	// LaunchApp launches the receiver app appID and returns a MediaController
	// for it.
	LaunchApp(appID string) (MediaController, error)
	// Status returns the last known receiver Status.
	Status() Status
	// RegisterConnectionListener registers l for connect/disconnect events.
	RegisterConnectionListener(l ConnectionListener)
	// RegisterMediaStatusListener registers l for media status pushes.
	RegisterMediaStatusListener(l MediaStatusListener)
	// Disconnect tears down the connection.
	Disconnect()
}

// PollMediaSessionID blocks, polling status roughly every interval, until
// a non-zero MediaSessionID appears or timeout elapses.
func PollMediaSessionID(status func() MediaStatus, interval, timeout time.Duration) (int, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if id := status().MediaSessionID; id != 0 {
			return id, true
		}
		time.Sleep(interval)
	}
	return 0, false
}
