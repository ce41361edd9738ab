// Package httpapi is the DAB HTTP surface: streaming, dynamic-label, and
// MOT-image endpoints per channel/service, plus scan control. Grounded on
// welle_python/dab_server.py (route shapes, WAV header, status-code
// semantics) and the teacher's internal/radio/server.go for the Go-idiomatic
// gin wiring (security headers middleware, JSON error helpers).
package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Lamarqe/mpdcast-dab/internal/radiocontrol"
	"github.com/Lamarqe/mpdcast-dab/internal/scanner"
	"github.com/Lamarqe/mpdcast-dab/internal/svccontrol"
)

// Server exposes the DAB HTTP surface over a *gin.Engine.
type Server struct {
	radio   *radiocontrol.Controller
	scanner *scanner.Scanner
	engine  *gin.Engine

	baseURL string

	mu         sync.RWMutex
	lastResult scanner.Result
}

// New returns a Server wired to radio/scanner, with baseURL used to build
// the absolute stream URLs listed in the M3U playlist.
func New(radio *radiocontrol.Controller, sc *scanner.Scanner, baseURL string) *Server {
	s := &Server{radio: radio, scanner: sc, baseURL: baseURL}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), securityHeadersMiddleware())
	s.routes()
	return s
}

// RunScan performs one full-band sweep via the wired scanner and stores its
// result as the source of the /scan/playlist.m3u playlist. The streaming and
// label/image routes do not use it; they resolve names against the live
// ensemble. Used both for the startup scan and for the /scan/start-triggered
// rescan.
func (s *Server) RunScan() (scanner.Result, error) {
	result, err := s.scanner.Run()
	if err != nil {
		return scanner.Result{}, err
	}
	s.mu.Lock()
	s.lastResult = result
	s.mu.Unlock()
	return result, nil
}

// Handler returns the underlying http.Handler for use with an http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/health", s.health)
	s.engine.GET("/api/status", s.status)

	s.engine.POST("/scan/start", s.scanStart)
	s.engine.GET("/scan/status", s.scanStatus)
	s.engine.GET("/scan/playlist.m3u", s.scanPlaylist)

	s.engine.GET("/:channel/:program", s.streamAudio)
	s.engine.GET("/label/current/:channel/:program", s.labelCurrent)
	s.engine.GET("/label/next/:channel/:program", s.labelNext)
	s.engine.GET("/image/current/:channel/:program", s.imageCurrent)
	s.engine.GET("/image/next/:channel/:program", s.imageNext)
}

func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"channel":  s.radio.Channel(),
		"scanning": s.scanner.Running(),
		"progress": s.scanner.Progress(),
	})
}

func (s *Server) scanStart(c *gin.Context) {
	go func() {
		if _, err := s.RunScan(); err != nil {
			slog.Warn("scan request failed", "error", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "scanning"})
}

func (s *Server) scanStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"running":  s.scanner.Running(),
		"progress": s.scanner.Progress(),
	})
}

func (s *Server) scanPlaylist(c *gin.Context) {
	s.mu.RLock()
	result := s.lastResult
	s.mu.RUnlock()

	m3u := scanner.ToM3U(result, func(svc scanner.Service) string {
		return fmt.Sprintf("%s/%s/%s", s.baseURL, svc.Channel, url.PathEscape(svc.Label))
	})
	c.String(http.StatusOK, m3u)
}

// channelAndProgram extracts and URL-unescapes the channel/program path
// segments shared by the streaming, label, and image routes. It does not
// resolve program to a service id: Subscribe and Lookup do that themselves
// against the live ensemble, never a cached scan result, so a service that
// is tuned but wasn't present in the last completed scan is still reachable.
func channelAndProgram(c *gin.Context) (channel, program string, ok bool) {
	channel = c.Param("channel")
	raw := c.Param("program")
	if channel == "" || raw == "" {
		return "", "", false
	}
	program, err := url.PathUnescape(raw)
	if err != nil {
		program = raw
	}
	return channel, program, true
}

// streamAudio serves the WAV-encapsulated audio long-poll loop for one
// service. The WAV header is written after the first frame, once the
// driver-reported sample rate is known, per SPEC_FULL.md §9. Retries once
// after 500ms if the tuner is busy with another channel, per dab_server.py.
// Subscribe's own service-name resolution (with its internal polling window)
// covers a service that was just tuned to but not yet fully resolved; any
// failure to resolve or subscribe reported here is a 503, matching
// dab_server.py's get_audio, with the sole 404 being the cover-prefix guard.
func (s *Server) streamAudio(c *gin.Context) {
	// browsers probe bare-directory paths like cover.jpg alongside the
	// channel/program stream URL; reject them before they're mistaken for a
	// program name, matching dab_server.py's get_audio guard.
	if strings.HasPrefix(c.Param("program"), "cover.") {
		c.Status(http.StatusNotFound)
		return
	}

	channel, program, ok := channelAndProgram(c)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}

	ctrl, err := s.radio.Subscribe(channel, program)
	if errors.Is(err, radiocontrol.ErrChannelBusy) {
		time.Sleep(500 * time.Millisecond)
		ctrl, err = s.radio.Subscribe(channel, program)
	}
	if err != nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	defer s.radio.Unsubscribe(channel, program)

	cursor := ctrl.StartCursor()
	data, next, sampleRate, channels, err := ctrl.AwaitAudio(cursor)
	if errors.Is(err, svccontrol.ErrUnsubscribed) {
		c.Status(http.StatusBadRequest)
		return
	}
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	cursor = next

	c.Header("Content-Type", "audio/wav")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	w := c.Writer

	header := wavHeader(sampleRate, channels, 16)
	if _, err := w.Write(header); err != nil {
		return
	}
	if _, err := w.Write(data); err != nil {
		return
	}
	w.Flush()

	for {
		data, next, _, _, err = ctrl.AwaitAudio(cursor)
		if err != nil {
			return
		}
		cursor = next
		if _, err := w.Write(data); err != nil {
			return
		}
		w.Flush()

		select {
		case <-c.Request.Context().Done():
			return
		default:
		}
	}
}

// wavHeader builds the 44-byte little-endian RIFF/WAVE/fmt/data header with
// zero-length chunk-size fields, for unbounded streaming, matching
// dab_server.py's header construction.
func wavHeader(sampleRate, channels, bitsPerSample int) []byte {
	if channels == 0 {
		channels = 2
	}
	if sampleRate == 0 {
		sampleRate = 48000
	}
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	h := make([]byte, 44)
	copy(h[0:4], "RIFF")
	putU32(h[4:8], 0) // unbounded stream: chunk size left at zero
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	putU32(h[16:20], 16)
	putU16(h[20:22], 1) // PCM
	putU16(h[22:24], uint16(channels))
	putU32(h[24:28], uint32(sampleRate))
	putU32(h[28:32], uint32(byteRate))
	putU16(h[32:34], uint16(blockAlign))
	putU16(h[34:36], uint16(bitsPerSample))
	copy(h[36:40], "data")
	putU32(h[40:44], 0) // unbounded stream: data size left at zero
	return h
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putU16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func (s *Server) labelCurrent(c *gin.Context) {
	channel, program, ok := channelAndProgram(c)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	ctrl, ok := s.radio.Lookup(channel, program)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	label, _, err := ctrl.AwaitLabel(-1)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	c.String(http.StatusOK, label)
}

func (s *Server) labelNext(c *gin.Context) {
	channel, program, ok := channelAndProgram(c)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	ctrl, ok := s.radio.Lookup(channel, program)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	lastSeq, _ := strconv.Atoi(c.Query("seq"))
	label, seq, err := ctrl.AwaitLabel(lastSeq)
	if errors.Is(err, svccontrol.ErrUnsubscribed) {
		c.Status(http.StatusBadRequest)
		return
	}
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header("X-Label-Seq", strconv.Itoa(seq))
	c.String(http.StatusOK, label)
}

func (s *Server) imageCurrent(c *gin.Context) {
	channel, program, ok := channelAndProgram(c)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	ctrl, ok := s.radio.Lookup(channel, program)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	data, contentType, _, err := ctrl.AwaitImage(-1)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	c.Data(http.StatusOK, contentType, data)
}

func (s *Server) imageNext(c *gin.Context) {
	channel, program, ok := channelAndProgram(c)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	ctrl, ok := s.radio.Lookup(channel, program)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	lastSeq, _ := strconv.Atoi(c.Query("seq"))
	data, contentType, seq, err := ctrl.AwaitImage(lastSeq)
	if errors.Is(err, svccontrol.ErrUnsubscribed) {
		c.Status(http.StatusBadRequest)
		return
	}
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header("X-Image-Seq", strconv.Itoa(seq))
	c.Data(http.StatusOK, contentType, data)
}
