package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lamarqe/mpdcast-dab/internal/dabdriver"
	"github.com/Lamarqe/mpdcast-dab/internal/radiocontrol"
	"github.com/Lamarqe/mpdcast-dab/internal/scanner"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

func TestWavHeaderLayout(t *testing.T) {
	h := wavHeader(48000, 2, 16)
	require.Len(t, h, 44)
	assert.Equal(t, "RIFF", string(h[0:4]))
	assert.Equal(t, "WAVE", string(h[8:12]))
	assert.Equal(t, "fmt ", string(h[12:16]))
	assert.Equal(t, "data", string(h[36:40]))
	// chunk sizes are left zero for unbounded streaming.
	assert.Equal(t, []byte{0, 0, 0, 0}, h[4:8])
	assert.Equal(t, []byte{0, 0, 0, 0}, h[40:44])
}

// shrinkServiceResolveWindow keeps the known-service-not-found tests from
// blocking on radiocontrol's real ten-second resolution timeout.
func shrinkServiceResolveWindow(t *testing.T) {
	t.Helper()
	origInterval, origTimeout := radiocontrol.ServiceResolvePollInterval, radiocontrol.ServiceResolveTimeout
	radiocontrol.ServiceResolvePollInterval = time.Millisecond
	radiocontrol.ServiceResolveTimeout = 20 * time.Millisecond
	t.Cleanup(func() {
		radiocontrol.ServiceResolvePollInterval, radiocontrol.ServiceResolveTimeout = origInterval, origTimeout
	})
}

func newTestServer() *Server {
	dev := dabdriver.NewSimDevice()
	dev.SimulatedServices = map[string][]dabdriver.SimService{
		"11D": {{ServiceID: 0xE1C1, Label: "Test Radio"}},
	}
	rc := radiocontrol.New(dev)
	sc := scanner.New(dev)
	s := New(rc, sc, "http://localhost:8864")
	s.lastResult = scanner.Result{Services: []scanner.Service{
		{Channel: "11D", ServiceID: 0xE1C1, Label: "Test Radio"},
	}}
	return s
}

func TestStreamAudioUnknownProgramServiceUnavailable(t *testing.T) {
	shrinkServiceResolveWindow(t)
	s := newTestServer()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/11D/Unknown%20Station", nil)
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStreamAudioKnownServiceStreamsWav(t *testing.T) {
	s := newTestServer()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/11D/Test%20Radio", nil)

	done := make(chan struct{})
	go func() {
		s.Handler().ServeHTTP(w, req)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := s.radio.Lookup("11D", "Test Radio")
		return ok
	}, time.Second, time.Millisecond)

	ctrl, ok := s.radio.Lookup("11D", "Test Radio")
	require.True(t, ok)
	ctrl.PushAudio([]byte{1, 2, 3, 4}, 48000, 2)

	require.Eventually(t, func() bool {
		return w.Body.Len() >= 44+4
	}, time.Second, time.Millisecond, "wav header plus first frame should have been flushed")

	// unblock the handler's await loop, simulating the client disconnecting.
	ctrl.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream handler did not return after the controller closed")
	}

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "audio/wav", w.Header().Get("Content-Type"))
}

func TestLabelCurrentNotSubscribedNotFound(t *testing.T) {
	s := newTestServer()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/label/current/11D/Test%20Radio", nil)
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamAudioCoverPrefixNotFound(t *testing.T) {
	s := newTestServer()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/11D/cover.jpg", nil)
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// the channel/program stream route is a two-segment wildcard registered
// alongside literal-prefixed routes like /label/... and /scan/...; gin's
// router resolves static siblings before falling back to a param child, so
// both kinds of route coexist at the same tree level without conflict.
func TestLiteralRoutesTakePriorityOverChannelWildcard(t *testing.T) {
	s := newTestServer()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/scan/status", nil)
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthOK(t *testing.T) {
	s := newTestServer()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
