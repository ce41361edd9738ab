// Package dabself resolves DAB programme metadata by long-polling this very
// process's own DAB HTTP surface, for the case where MPD is itself playing
// back a DAB stream URL served by internal/httpapi. Grounded on
// mpdcast/dabserver_connector.py.
package dabself

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"
)

// CastData mirrors tvheadend.CastData's shape for the local-DAB source.
type CastData struct {
	Title    string
	Artist   string
	ImageURL string
}

// streamURLRE matches this process's own DAB stream URLs, e.g.
// http://host:port/11D/Station%20Name, to extract the channel/service path.
var streamURLRE = regexp.MustCompile(`^https?://[^/]+/([0-9]{1,2}[A-Z])/(.+)$`)

// Resolver long-polls a local DAB HTTP surface for label/image updates on
// one channel/service.
type Resolver struct {
	HTTPClient *http.Client

	baseURL string
	channel string
	service string

	stationName string
	cachedImage string
}

// New returns an unresolved Resolver. Call Initialize with a candidate
// stream URL before use.
func New() *Resolver {
	return &Resolver{HTTPClient: &http.Client{Timeout: 300 * time.Second}}
}

// Initialize checks whether streamURL points at this process's own DAB HTTP
// surface and, if so, primes the resolver with the channel/service/station
// name it refers to. Returns false (not an error) if streamURL is not a
// recognized local DAB URL.
func (r *Resolver) Initialize(streamURL string) (bool, error) {
	m := streamURLRE.FindStringSubmatch(streamURL)
	if m == nil {
		return false, nil
	}
	channel, service := m[1], m[2]

	u, err := url.Parse(streamURL)
	if err != nil {
		return false, nil
	}
	base := u.Scheme + "://" + u.Host

	resp, err := r.HTTPClient.Get(fmt.Sprintf("%s/label/current/%s/%s", base, channel, url.PathEscape(service)))
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	label, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, nil
	}

	r.baseURL, r.channel, r.service = base, channel, service
	stationName, err := url.PathUnescape(service)
	if err != nil {
		stationName = service
	}
	r.stationName = stationName
	r.cachedImage = fmt.Sprintf("%s/image/current/%s/%s", base, channel, url.PathEscape(service))
	_ = label
	return true, nil
}

// FillCastData returns the last-known title/artist/image for this service.
func (r *Resolver) FillCastData(label string) CastData {
	return CastData{Title: r.stationName, Artist: label, ImageURL: r.cachedImage}
}

// NewLabel blocks on the server's dynamic-label long-poll endpoint and
// returns the next label, retrying silently on transient non-200 responses.
func (r *Resolver) NewLabel() (string, error) {
	for {
		resp, err := r.HTTPClient.Get(fmt.Sprintf("%s/label/next/%s/%s", r.baseURL, r.channel, url.PathEscape(r.service)))
		if err != nil {
			time.Sleep(time.Second)
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || readErr != nil {
			time.Sleep(time.Second)
			continue
		}
		return string(body), nil
	}
}

// NewImage blocks on the server's image long-poll endpoint and, on success,
// rebuilds the cached image URL with a cache-busting timestamp query param.
func (r *Resolver) NewImage(now func() time.Time) (string, error) {
	for {
		resp, err := r.HTTPClient.Get(fmt.Sprintf("%s/image/next/%s/%s", r.baseURL, r.channel, url.PathEscape(r.service)))
		if err != nil {
			time.Sleep(time.Second)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			time.Sleep(time.Second)
			continue
		}
		r.cachedImage = fmt.Sprintf("%s/image/current/%s/%s?ts=%s",
			r.baseURL, r.channel, url.PathEscape(r.service), strconv.FormatInt(now().Unix(), 10))
		return r.cachedImage, nil
	}
}
