// imagecache.go implements the album-art cache server, grounded on
// mpdcast/imageserver.py.
package castbridge

import (
	"net/http"
	"net/url"
	"sync"
)

// ImageCacheURLPrefix mirrors imageserver.py's URL_PREFIX.
const ImageCacheURLPrefix = "/mpd_image/"

// defaultImageURL is served as a 301 redirect on a cache miss, matching the
// original's fallback behaviour.
const defaultImageURL = "https://www.musicpd.org/logo.png"

type cachedPicture struct {
	data        []byte
	contentType string
}

// ImageCache serves embedded-picture bytes fetched from MPD, keyed by the
// song file path they came from, over HTTP.
type ImageCache struct {
	mu     sync.RWMutex
	images map[string]cachedPicture
}

// NewImageCache returns an empty cache.
func NewImageCache() *ImageCache {
	return &ImageCache{images: make(map[string]cachedPicture)}
}

// Store caches data under file's song path, replacing any existing entry.
func (c *ImageCache) Store(file string, data []byte, contentType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images[file] = cachedPicture{data: data, contentType: contentType}
}

// URLFor returns the cache-served URL for file, matching
// imageserver.py's _song_to_image_url (URL-quoted path under the prefix).
func (c *ImageCache) URLFor(file string) string {
	return ImageCacheURLPrefix + url.PathEscape(file)
}

// ServeHTTP serves a cached picture, or 301-redirects to defaultImageURL on
// a miss, matching imageserver.py's _http_handler.
func (c *ImageCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	file, err := url.PathUnescape(r.URL.Path[len(ImageCacheURLPrefix):])
	if err != nil {
		http.Error(w, "bad image path", http.StatusBadRequest)
		return
	}

	c.mu.RLock()
	pic, ok := c.images[file]
	c.mu.RUnlock()
	if !ok {
		http.Redirect(w, r, defaultImageURL, http.StatusMovedPermanently)
		return
	}
	w.Header().Set("Content-Type", pic.contentType)
	w.Write(pic.data)
}
