package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToTOMLRewritesBlocksAndAssignments(t *testing.T) {
	src := "port \"6600\"\n" +
		"audio_output {\n" +
		"    type \"httpd\"\n" +
		"    name \"My HTTP Output\"\n" +
		"    streaming_port \"8080\"\n" +
		"}\n"

	out := toTOML(src)
	assert.Contains(t, out, "port = \"6600\"")
	assert.Contains(t, out, "[[audio_output]]")
	assert.Contains(t, out, "type = \"httpd\"")
	assert.Contains(t, out, "streaming_port = \"8080\"")
}

func TestLoadMPDConfigParsesHTTPDOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mpd.conf")
	contents := "port \"6600\"\n" +
		"audio_output {\n" +
		"    type \"httpd\"\n" +
		"    name \"Living Room Chromecast\"\n" +
		"    streaming_port \"8080\"\n" +
		"}\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := LoadMPDConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 6600, cfg.MPDPort)
	assert.Equal(t, 8080, cfg.StreamingPort)
	assert.Equal(t, "Living Room Chromecast", cfg.DeviceName)
}

func TestLoadMPDConfigErrorsWithoutHTTPDOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mpd.conf")
	require.NoError(t, os.WriteFile(path, []byte("port \"6600\"\n"), 0o644))

	_, err := LoadMPDConfig(path)
	assert.Error(t, err)
}

func TestResolveMPDConfigDisablesCastOnFailure(t *testing.T) {
	cfg := &Config{ConfPath: filepath.Join(t.TempDir(), "missing.conf")}
	resolveMPDConfig(cfg)
	assert.True(t, cfg.DisableMPDCast, "a broken mpd.conf must disable mpdcast, not fail the whole process")
	assert.Error(t, cfg.MPDConfigError)
}

func TestResolveMPDConfigSkipsWhenAlreadyDisabled(t *testing.T) {
	cfg := &Config{DisableMPDCast: true, ConfPath: filepath.Join(t.TempDir(), "missing.conf")}
	resolveMPDConfig(cfg)
	assert.NoError(t, cfg.MPDConfigError)
}

func TestResolveMPDConfigPopulatesMPDOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mpd.conf")
	contents := "port \"6600\"\n" +
		"audio_output {\n" +
		"    type \"httpd\"\n" +
		"    name \"Living Room Chromecast\"\n" +
		"    streaming_port \"8080\"\n" +
		"}\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg := &Config{ConfPath: path}
	resolveMPDConfig(cfg)
	require.NoError(t, cfg.MPDConfigError)
	assert.False(t, cfg.DisableMPDCast)
	assert.Equal(t, "Living Room Chromecast", cfg.MPD.DeviceName)
}
