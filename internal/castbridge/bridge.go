// Package castbridge mirrors MPD playback onto a Chromecast device, pushing
// track metadata resolved either from TVHeadend (for DAB streams relayed
// through a tuner/TVH pairing), from this process's own DAB HTTP surface
// (for DAB streams served directly), or from MPD's own tag/picture data (for
// local files). Grounded on mpdcast/mpd_caster.py.
package castbridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Lamarqe/mpdcast-dab/internal/castdevice"
	"github.com/Lamarqe/mpdcast-dab/internal/dabself"
	"github.com/Lamarqe/mpdcast-dab/internal/mpdclient"
	"github.com/Lamarqe/mpdcast-dab/internal/tvheadend"
)

// updateTasks is the cancel-token trio for the metadata-refresh watchers that
// run while one track is playing: a delayed EPG re-fetch, a DAB label
// watcher, and a DAB image watcher. Grounded on mpd_caster.py's UpdateTasks.
type updateTasks struct {
	mu     sync.Mutex
	cancel []context.CancelFunc
}

func (u *updateTasks) add(cancel context.CancelFunc) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.cancel = append(u.cancel, cancel)
}

// stop cancels every running watcher task. Matches mpd_caster.py's
// _stop_update_tasks.
func (u *updateTasks) stop() {
	u.mu.Lock()
	cancels := u.cancel
	u.cancel = nil
	u.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Bridge mirrors one MPD server's playback state onto one named Chromecast.
type Bridge struct {
	DeviceName string
	MPDAddr    string
	ImageCache *ImageCache
	EPG        *tvheadend.Resolver
	PublicBaseURL string // e.g. http://192.168.1.5:8864, used to resolve image cache URLs

	device     castdevice.Device
	controller castdevice.MediaController
	mediaEvent chan struct{}

	tasks updateTasks

	dabResolver *dabself.Resolver

	ignoreCurrentPlayback bool
}

// New returns a Bridge targeting deviceName's Chromecast via MPD at mpdAddr.
func New(deviceName, mpdAddr string, imageCache *ImageCache, epg *tvheadend.Resolver, publicBaseURL string) *Bridge {
	return &Bridge{
		DeviceName:    deviceName,
		MPDAddr:       mpdAddr,
		ImageCache:    imageCache,
		EPG:           epg,
		PublicBaseURL: publicBaseURL,
		mediaEvent:    make(chan struct{}, 1),
		dabResolver:   dabself.New(),
	}
}

// Run discovers the Chromecast, mirrors MPD until the connection is lost,
// then rediscovers, looping forever until ctx is cancelled. Grounded on
// mpd_caster.py's run().
func (b *Bridge) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		finder := castdevice.NewFinder(b.DeviceName)
		info, err := finder.Find(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("castbridge: discovery failed, retrying", "error", err)
			time.Sleep(5 * time.Second)
			continue
		}

		if err := b.waitAndRegister(ctx, info); err != nil {
			slog.Warn("castbridge: device registration failed", "error", err)
			time.Sleep(5 * time.Second)
			continue
		}

		b.castUntilConnectionLost(ctx)
	}
	return ctx.Err()
}

// waitAndRegister connects to the discovered device, quits any non-idle app,
// and wires up listeners. Grounded on waitfor_and_register_castdevice.
func (b *Bridge) waitAndRegister(ctx context.Context, info castdevice.Info) error {
	dev, err := castdevice.Dial(info)
	if err != nil {
		return fmt.Errorf("castbridge: dial %s: %w", info.Name, err)
	}
	b.device = dev
	dev.RegisterConnectionListener(b)
	dev.RegisterMediaStatusListener(b)

	if status := dev.Status(); status.AppID != "" && status.AppID != castdevice.APPLocal {
		_ = dev.QuitApp()
	}

	b.ignoreCurrentPlayback = true
	return nil
}

// NewConnectionStatus implements castdevice.ConnectionListener. On loss, the
// mirror loop exits back to rediscovery. Grounded on new_connection_status.
func (b *Bridge) NewConnectionStatus(connected bool) {
	if !connected {
		b.device = nil
		b.controller = nil
		b.tasks.stop()
	}
}

// NewMediaStatus implements castdevice.MediaStatusListener. Only a
// materialized media session id is interesting; mirrors new_media_status.
func (b *Bridge) NewMediaStatus(status castdevice.MediaStatus) {
	if status.MediaSessionID != 0 {
		select {
		case b.mediaEvent <- struct{}{}:
		default:
		}
	}
}

// castUntilConnectionLost runs the MPD idle() loop, dispatching start/stop/
// new-song events to the cast device until the connection drops. Grounded
// on cast_until_connection_lost.
func (b *Bridge) castUntilConnectionLost(ctx context.Context) {
	idleConn, err := mpdclient.Dial(b.MPDAddr)
	if err != nil {
		slog.Warn("castbridge: mpd idle connection failed", "error", err)
		return
	}
	defer idleConn.Close()

	cmdConn, err := mpdclient.Dial(b.MPDAddr)
	if err != nil {
		slog.Warn("castbridge: mpd command connection failed", "error", err)
		return
	}
	defer cmdConn.Close()

	// there is nothing to ignore if MPD is not already playing.
	if status, err := cmdConn.Status(); err == nil && status.State != "play" {
		b.ignoreCurrentPlayback = false
	}

	wasPlaying := false
	for b.device != nil && ctx.Err() == nil {
		changed, err := idleConn.Idle("player")
		if err != nil {
			slog.Warn("castbridge: mpd idle failed", "error", err)
			return
		}
		if len(changed) == 0 {
			continue
		}

		status, err := cmdConn.Status()
		if err != nil {
			slog.Warn("castbridge: mpd status failed", "error", err)
			return
		}
		isPlaying := status.State == "play"

		if b.ignoreCurrentPlayback {
			// per SPEC_FULL.md §9: on (re)connection, ignore whatever MPD is
			// already doing until it next transitions to stopped, so a
			// Chromecast reboot mid-song doesn't immediately yank playback
			// back onto it.
			if !isPlaying {
				b.ignoreCurrentPlayback = false
			}
			wasPlaying = isPlaying
			continue
		}

		switch {
		case isPlaying && !wasPlaying:
			b.handleStartPlay(cmdConn)
		case !isPlaying && wasPlaying:
			b.handleStopPlay()
		case isPlaying:
			b.handleNewSong(cmdConn, status, false)
		}
		wasPlaying = isPlaying
	}
}

func (b *Bridge) handleStartPlay(conn *mpdclient.Client) {
	status, err := conn.Status()
	if err != nil {
		return
	}
	if _, err := conn.CurrentSong(); err != nil {
		return
	}

	ctrl, err := b.device.LaunchApp(castdevice.APPLocal)
	if err != nil {
		slog.Warn("castbridge: launch app failed", "error", err)
		return
	}
	b.controller = ctrl

	contentType := "audio/mpeg"
	if err := ctrl.PlayMedia(streamURLFor(b.PublicBaseURL), contentType); err != nil {
		slog.Warn("castbridge: play media failed", "error", err)
		return
	}

	// media_session_id may take several status pushes to materialize.
	for i := 0; i < 10; i++ {
		gotSession := false
		select {
		case <-b.mediaEvent:
			gotSession = true
		case <-time.After(500 * time.Millisecond):
		}
		if gotSession {
			break
		}
	}

	b.handleNewSong(conn, status, false)
}

func (b *Bridge) handleStopPlay() {
	b.tasks.stop()
	if b.device != nil && b.device.Status().AppID == castdevice.APPLocal {
		_ = b.device.QuitApp()
	}
	b.controller = nil
}

// handleNewSong is the core dispatch logic: non-dynamic updates stop prior
// watcher tasks first; an http:// file is resolved through TVHeadend when
// one is configured and knows the station, and otherwise checked against
// this process's own DAB surface (starting the DAB label/image watchers on a
// match); otherwise local MPD tag/picture data is used. There is no separate
// refresh branch for an already-active DAB station: the DAB watchers push
// their label/image updates to the receiver themselves. The metadata push to
// the receiver always happens at the end, regardless of which branch
// matched. Grounded on _handle_mpd_new_song.
func (b *Bridge) handleNewSong(conn *mpdclient.Client, status mpdclient.Status, dynamicUpdate bool) {
	if !dynamicUpdate {
		b.tasks.stop()
	}

	song, err := conn.CurrentSong()
	if err != nil {
		return
	}

	var data castdevice.MusicTrackMetadata

	if strings.HasPrefix(song.File, "http://") || strings.HasPrefix(song.File, "https://") {
		// a stream URL is first resolved as a TVHeadend-fed station; only if
		// that fails is it checked against this process's own DAB surface.
		epgResolved := false
		if b.EPG != nil {
			stationName := stationNameFromURL(song.File)
			if cast, showEnd, err := b.EPG.FillCastData(stationName); err == nil {
				data = castdevice.MusicTrackMetadata{Title: cast.Title, Artist: cast.Artist, AlbumCover: cast.ImageURL}
				b.scheduleEPGRefresh(conn, showEnd)
				epgResolved = true
			}
		}
		if !epgResolved {
			if ok, _ := b.dabResolver.Initialize(song.File); ok {
				b.startDABWatchers()
				data = castdevice.MusicTrackMetadata{Title: b.dabResolver.FillCastData("").Title}
			}
		}
	} else {
		data = castdevice.MusicTrackMetadata{Title: song.Title, Artist: song.Artist}
		if song.Artist != "" {
			if pic, err := conn.ReadPicture(song.File); err == nil && len(pic) > 0 {
				b.ImageCache.Store(song.File, pic, "image/jpeg")
				data.AlbumCover = b.PublicBaseURL + b.ImageCache.URLFor(song.File)
			}
		}
	}

	if b.controller != nil && b.device != nil {
		if err := b.controller.SetMusicTrackMediaMetadata(data); err != nil {
			slog.Warn("castbridge: metadata push failed", "error", err)
		}
	}
}

// scheduleEPGRefresh re-dispatches handleNewSong as a dynamic update once the
// current EPG show ends, so the receiver's metadata tracks the EPG without
// requiring a new MPD track boundary. Grounded on _handle_mpd_new_song_delayed.
func (b *Bridge) scheduleEPGRefresh(conn *mpdclient.Client, showEnd time.Time) {
	ctx, cancel := context.WithCancel(context.Background())
	b.tasks.add(cancel)
	delay := tvheadend.RemainingShowTime(showEnd)
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			status, err := conn.Status()
			if err == nil {
				b.handleNewSong(conn, status, true)
			}
		}
	}()
}

// startDABWatchers launches the label and image long-poll watchers against
// the local DAB resolver. Grounded on _check_new_dab_label/_check_new_dab_image.
func (b *Bridge) startDABWatchers() {
	labelCtx, labelCancel := context.WithCancel(context.Background())
	b.tasks.add(labelCancel)
	go func() {
		for labelCtx.Err() == nil {
			label, err := b.dabResolver.NewLabel()
			if err != nil {
				return
			}
			if b.controller != nil {
				data := b.dabResolver.FillCastData(label)
				_ = b.controller.SetMusicTrackMediaMetadata(castdevice.MusicTrackMetadata{
					Title: data.Title, Artist: data.Artist, AlbumCover: data.ImageURL,
				})
			}
		}
	}()

	imageCtx, imageCancel := context.WithCancel(context.Background())
	b.tasks.add(imageCancel)
	go func() {
		for imageCtx.Err() == nil {
			imageURL, err := b.dabResolver.NewImage(time.Now)
			if err != nil {
				return
			}
			if b.controller != nil {
				data := b.dabResolver.FillCastData("")
				data.ImageURL = imageURL
				_ = b.controller.SetMusicTrackMediaMetadata(castdevice.MusicTrackMetadata{
					Title: data.Title, Artist: data.Artist, AlbumCover: data.ImageURL,
				})
			}
		}
	}()
}

func stationNameFromURL(streamURL string) string {
	u, err := url.Parse(streamURL)
	if err != nil {
		return streamURL
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 0 {
		return streamURL
	}
	name, err := url.PathUnescape(parts[len(parts)-1])
	if err != nil {
		return parts[len(parts)-1]
	}
	return name
}

func streamURLFor(publicBaseURL string) string {
	return publicBaseURL
}
