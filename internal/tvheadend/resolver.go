// Package tvheadend resolves DAB programme metadata (current show title,
// artist, artwork, remaining time) against a TVHeadend server's EPG, grounded
// on mpdcast/tvheadend_connector.py.
package tvheadend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// CastData is the metadata pushed to the Chromecast receiver. Mirrors
// mpd_caster.py's CastData dataclass.
type CastData struct {
	Title    string
	Artist   string
	ImageURL string
}

// Resolver queries a TVHeadend server for EPG data matching a station name.
type Resolver struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New returns a Resolver against baseURL (e.g. "http://localhost:9981").
func New(baseURL string) *Resolver {
	return &Resolver{BaseURL: baseURL, HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

type channelGridResponse struct {
	Entries []struct {
		UUID string `json:"uuid"`
		Name string `json:"name"`
	} `json:"entries"`
}

// filterField mirrors the {field, value, type} triples TVHeadend's grid API
// expects in its "filter" POST parameter.
type filterField struct {
	Field string `json:"field"`
	Value string `json:"value"`
	Type  string `json:"type"`
}

// channelUUID finds the TVHeadend channel UUID whose name exactly matches
// stationName and is tagged "Radio", guarding against substring collisions
// between similarly-named channels (e.g. "Radio 1" vs "Radio 10").
func (r *Resolver) channelUUID(stationName string) (string, error) {
	filter := []filterField{
		{Field: "name", Value: stationName, Type: "string"},
		{Field: "tags", Value: "Radio", Type: "string"},
	}
	filterJSON, _ := json.Marshal(filter)

	form := url.Values{}
	form.Set("filter", string(filterJSON))

	resp, err := r.HTTPClient.PostForm(r.BaseURL+"/api/channel/grid", form)
	if err != nil {
		return "", fmt.Errorf("tvheadend: channel/grid: %w", err)
	}
	defer resp.Body.Close()

	var grid channelGridResponse
	if err := json.NewDecoder(resp.Body).Decode(&grid); err != nil {
		return "", fmt.Errorf("tvheadend: decoding channel/grid: %w", err)
	}
	for _, entry := range grid.Entries {
		if entry.Name == stationName {
			return entry.UUID, nil
		}
	}
	return "", fmt.Errorf("tvheadend: no exact channel match for %q", stationName)
}

type epgEvent struct {
	Title    string `json:"title"`
	Subtitle string `json:"subtitle"`
	Stop     int64  `json:"stop"`
	Image    string `json:"image"`
}

type epgGridResponse struct {
	Entries []epgEvent `json:"entries"`
}

func (r *Resolver) currentShow(channelUUID string) (*epgEvent, error) {
	form := url.Values{}
	form.Set("channel", channelUUID)
	form.Set("mode", "now")

	resp, err := r.HTTPClient.PostForm(r.BaseURL+"/api/epg/events/grid", form)
	if err != nil {
		return nil, fmt.Errorf("tvheadend: epg/events/grid: %w", err)
	}
	defer resp.Body.Close()

	var grid epgGridResponse
	if err := json.NewDecoder(resp.Body).Decode(&grid); err != nil {
		return nil, fmt.Errorf("tvheadend: decoding epg/events/grid: %w", err)
	}
	if len(grid.Entries) == 0 {
		return nil, fmt.Errorf("tvheadend: no current show for channel %s", channelUUID)
	}
	return &grid.Entries[0], nil
}

// FillCastData resolves the current show for stationName into CastData,
// title from the show's title and artist from its subtitle, plus an image
// URL (TVHeadend's icon proxy, or ImageURL's zero value if none).
func (r *Resolver) FillCastData(stationName string) (CastData, time.Time, error) {
	uuid, err := r.channelUUID(stationName)
	if err != nil {
		return CastData{}, time.Time{}, err
	}
	show, err := r.currentShow(uuid)
	if err != nil {
		return CastData{}, time.Time{}, err
	}

	data := CastData{Title: show.Title, Artist: show.Subtitle}
	if show.Image != "" {
		data.ImageURL = r.imageURL(show.Image)
	}

	showEnd := time.Unix(show.Stop, 0)
	return data, showEnd, nil
}

// RemainingShowTime returns how long remains until showEnd, never negative.
func RemainingShowTime(showEnd time.Time) time.Duration {
	remaining := time.Until(showEnd)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (r *Resolver) imageURL(iconPublicURL string) string {
	if iconPublicURL == "" {
		return ""
	}
	if _, err := strconv.Unquote(iconPublicURL); err == nil {
		return iconPublicURL
	}
	return r.BaseURL + "/" + iconPublicURL
}
