package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lamarqe/mpdcast-dab/internal/dabdriver"
)

func TestRunFindsSimulatedServices(t *testing.T) {
	dev := dabdriver.NewSimDevice()
	dev.SimulatedServices = map[string][]dabdriver.SimService{
		"11D": {{ServiceID: 0xE1C1, Label: "Test Radio"}},
		"12A": {{ServiceID: 0xE1C2, Label: "Other Radio"}},
	}
	s := New(dev)

	result, err := s.Run()
	require.NoError(t, err)
	assert.Len(t, result.Services, 2)
	assert.Equal(t, "Scan finished. Found 2 radio services.", result.Status)
	assert.Equal(t, 100, s.Progress())
	assert.False(t, s.Running())
}

func TestRunRejectsConcurrentScan(t *testing.T) {
	dev := dabdriver.NewSimDevice()
	s := New(dev)
	s.running = true
	_, err := s.Run()
	assert.ErrorIs(t, err, ErrScanInProgress)
}

func TestToM3URendersEntries(t *testing.T) {
	result := Result{Services: []Service{{Channel: "11D", ServiceID: 0xE1C1, Label: "Test Radio"}}}
	m3u := ToM3U(result, func(svc Service) string {
		return "http://host/dab/" + svc.Channel + "/" + svc.Label
	})
	assert.Contains(t, m3u, "#EXTM3U")
	assert.Contains(t, m3u, "#EXTINF:-1,Test Radio")
	assert.Contains(t, m3u, "http://host/dab/11D/Test Radio")
}
