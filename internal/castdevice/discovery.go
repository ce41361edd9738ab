package castdevice

import (
	"context"
	"fmt"
	"strings"

	"github.com/brutella/dnssd"
)

// googlecastServiceType is the mDNS/DNS-SD service type Chromecasts (and the
// receiver apps mirroring this project's own announcement in samoyed's
// dns_sd.go) register under.
const googlecastServiceType = "_googlecast._tcp.local."

// Finder discovers a Chromecast by friendly name via mDNS/DNS-SD browsing.
// Grounded on mpdcast/cast_finder.py's CastFinder; wired to
// github.com/brutella/dnssd, the same library doismellburning/samoyed uses
// (on the announce side) for DNS-SD on this corpus.
type Finder struct {
	friendlyName string
	found        chan Info
}

// NewFinder returns a Finder looking for friendlyName.
func NewFinder(friendlyName string) *Finder {
	return &Finder{friendlyName: friendlyName, found: make(chan Info, 1)}
}

// Find blocks until a Chromecast named friendlyName is discovered or ctx is
// cancelled.
func (f *Finder) Find(ctx context.Context) (Info, error) {
	browseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	addFn := func(e dnssd.BrowseEntry) {
		name := friendlyNameFromTXT(e)
		if !strings.EqualFold(name, f.friendlyName) {
			return
		}
		if len(e.IPs) == 0 {
			return
		}
		select {
		case f.found <- Info{Name: name, Host: e.IPs[0].String(), Port: int(e.Port), UUID: e.Text["id"]}:
		default:
		}
		cancel()
	}
	rmvFn := func(e dnssd.BrowseEntry) {}

	go func() {
		_ = dnssd.LookupType(browseCtx, googlecastServiceType, addFn, rmvFn)
	}()

	select {
	case info := <-f.found:
		return info, nil
	case <-ctx.Done():
		return Info{}, fmt.Errorf("castdevice: discovery of %q cancelled: %w", f.friendlyName, ctx.Err())
	}
}

func friendlyNameFromTXT(e dnssd.BrowseEntry) string {
	if name, ok := e.Text["fn"]; ok && name != "" {
		return name
	}
	return strings.TrimSuffix(e.Name, "."+googlecastServiceType)
}
