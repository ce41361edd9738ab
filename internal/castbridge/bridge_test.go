package castbridge

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStationNameFromURL(t *testing.T) {
	name := stationNameFromURL("http://host:8864/11D/Test%20Radio")
	assert.Equal(t, "Test Radio", name)
}

func TestStationNameFromURLPassesThroughPlainString(t *testing.T) {
	name := stationNameFromURL("not a url at all")
	assert.Equal(t, "not a url at all", name)
}

func TestImageCacheMissRedirects(t *testing.T) {
	c := NewImageCache()
	req := httptest.NewRequest(http.MethodGet, ImageCacheURLPrefix+"unknown.mp3", nil)
	w := httptest.NewRecorder()
	c.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMovedPermanently, w.Code)
	assert.Equal(t, defaultImageURL, w.Header().Get("Location"))
}

func TestImageCacheHitServesStoredPicture(t *testing.T) {
	c := NewImageCache()
	c.Store("song.mp3", []byte("jpegbytes"), "image/jpeg")

	req := httptest.NewRequest(http.MethodGet, c.URLFor("song.mp3"), nil)
	w := httptest.NewRecorder()
	c.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, "jpegbytes", w.Body.String())
}

func TestUpdateTasksStopCancelsAll(t *testing.T) {
	var cancelled int
	u := &updateTasks{}
	u.add(func() { cancelled++ })
	u.add(func() { cancelled++ })
	u.stop()
	assert.Equal(t, 2, cancelled)
}
