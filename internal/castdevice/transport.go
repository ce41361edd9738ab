package castdevice

import (
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// frame is the wire envelope every CASTV2 JSON message is sent in: a
// namespace plus a freeform payload, length-prefixed on the socket.
type frame struct {
	Namespace string          `json:"namespace"`
	Payload   json.RawMessage `json:"payload"`
}

// tlsDevice is a real Device backed by a TLS connection to a Chromecast.
type tlsDevice struct {
	info Info
	conn *tls.Conn

	mu                   sync.Mutex
	status               Status
	connectionListeners  []ConnectionListener
	mediaStatusListeners []MediaStatusListener

	requestID int32
}

// Dial connects to the Chromecast described by info and performs the CASTV2
// connection handshake (CONNECT on the tp.connection namespace).
func Dial(info Info) (Device, error) {
	addr := fmt.Sprintf("%s:%d", info.Host, info.Port)
	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		return nil, fmt.Errorf("castdevice: dial %s: %w", addr, err)
	}
	d := &tlsDevice{info: info, conn: conn}
	if err := d.send(NamespaceConnection, map[string]string{"type": "CONNECT"}); err != nil {
		conn.Close()
		return nil, err
	}
	go d.readLoop()
	return d, nil
}

func (d *tlsDevice) Info() Info { return d.info }

func (d *tlsDevice) nextRequestID() int {
	return int(atomic.AddInt32(&d.requestID, 1))
}

func (d *tlsDevice) send(namespace string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(frame{Namespace: namespace, Payload: body})
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(msg)))
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = d.conn.Write(msg)
	return err
}

func (d *tlsDevice) readLoop() {
	for {
		var lenBuf [4]byte
		if _, err := readFullConn(d.conn, lenBuf[:]); err != nil {
			d.notifyDisconnected()
			return
		}
		size := binary.BigEndian.Uint32(lenBuf[:])
		buf := make([]byte, size)
		if _, err := readFullConn(d.conn, buf); err != nil {
			d.notifyDisconnected()
			return
		}
		var f frame
		if err := json.Unmarshal(buf, &f); err != nil {
			slog.Warn("castdevice: malformed frame", "error", err)
			continue
		}
		d.handleFrame(f)
	}
}

func readFullConn(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (d *tlsDevice) handleFrame(f frame) {
	switch f.Namespace {
	case NamespaceReceiver:
		var msg struct {
			Status struct {
				Applications []struct {
					AppID       string `json:"appId"`
					DisplayName string `json:"displayName"`
					StatusText  string `json:"statusText"`
				} `json:"applications"`
			} `json:"status"`
		}
		if err := json.Unmarshal(f.Payload, &msg); err != nil {
			return
		}
		d.mu.Lock()
		if len(msg.Status.Applications) > 0 {
			app := msg.Status.Applications[0]
			d.status = Status{AppID: app.AppID, DisplayName: app.DisplayName, StatusText: app.StatusText}
		} else {
			d.status = Status{}
		}
		d.mu.Unlock()
	case NamespaceMedia:
		var msg struct {
			Status []struct {
				MediaSessionID int    `json:"mediaSessionId"`
				PlayerState    string `json:"playerState"`
			} `json:"status"`
		}
		if err := json.Unmarshal(f.Payload, &msg); err != nil {
			return
		}
		if len(msg.Status) == 0 {
			return
		}
		ms := MediaStatus{MediaSessionID: msg.Status[0].MediaSessionID, PlayerState: msg.Status[0].PlayerState}
		d.mu.Lock()
		listeners := append([]MediaStatusListener(nil), d.mediaStatusListeners...)
		d.mu.Unlock()
		for _, l := range listeners {
			l.NewMediaStatus(ms)
		}
	}
}

func (d *tlsDevice) notifyDisconnected() {
	d.mu.Lock()
	listeners := append([]ConnectionListener(nil), d.connectionListeners...)
	d.mu.Unlock()
	for _, l := range listeners {
		l.NewConnectionStatus(false)
	}
}

func (d *tlsDevice) QuitApp() error {
	return d.send(NamespaceReceiver, map[string]any{
		"type":      "STOP",
		"requestId": d.nextRequestID(),
	})
}

func (d *tlsDevice) LaunchApp(appID string) (MediaController, error) {
	if err := d.send(NamespaceReceiver, map[string]any{
		"type":      "LAUNCH",
		"appId":     appID,
		"requestId": d.nextRequestID(),
	}); err != nil {
		return nil, err
	}
	return &tlsMediaController{device: d}, nil
}

func (d *tlsDevice) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *tlsDevice) RegisterConnectionListener(l ConnectionListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectionListeners = append(d.connectionListeners, l)
}

func (d *tlsDevice) RegisterMediaStatusListener(l MediaStatusListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mediaStatusListeners = append(d.mediaStatusListeners, l)
}

func (d *tlsDevice) Disconnect() {
	_ = d.send(NamespaceConnection, map[string]string{"type": "CLOSE"})
	d.conn.Close()
}

type tlsMediaController struct {
	device *tlsDevice

	mu     sync.Mutex
	status MediaStatus
}

func (m *tlsMediaController) PlayMedia(streamURL string, contentType string) error {
	return m.device.send(NamespaceMedia, map[string]any{
		"type":      "LOAD",
		"requestId": m.device.nextRequestID(),
		"media": map[string]string{
			"contentId":   streamURL,
			"contentType": contentType,
			"streamType":  "LIVE",
		},
		"autoplay": true,
	})
}

func (m *tlsMediaController) SetMusicTrackMediaMetadata(meta MusicTrackMetadata) error {
	return m.device.send(NamespaceMedia, map[string]any{
		"type":      "QUEUE_UPDATE",
		"requestId": m.device.nextRequestID(),
		"items": []map[string]any{{
			"media": map[string]any{
				"metadata": map[string]any{
					"metadataType": 3, // MUSIC_TRACK
					"title":        meta.Title,
					"artist":       meta.Artist,
					"images":       []map[string]string{{"url": meta.AlbumCover}},
				},
			},
		}},
	})
}

func (m *tlsMediaController) Status() MediaStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}
