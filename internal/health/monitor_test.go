package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/signsync/internal/caption"
	"github.com/stretchr/testify/require"
)

var languages = []string{"en", "ta", "ml", "te"}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func writeModels(t *testing.T, dir string, asl bool, vosk ...string) {
	t.Helper()
	if asl {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "asl_model.h5"), []byte("h5"), 0o644))
	}
	for _, name := range vosk {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "vosk", name), 0o755))
	}
}

func TestArtifactSourceDiscovery(t *testing.T) {
	dir := t.TempDir()
	writeModels(t, dir, true, "vosk-model-small-en-us-0.15", "vosk-model-te-0.4", "vosk-model-fr-0.22")
	src := ArtifactSource{Dir: dir}

	artifacts, err := src.Scan()
	require.NoError(t, err)
	require.Equal(t, []string{"asl_model.h5"}, artifacts.ASL)
	require.Len(t, artifacts.Vosk, 3)

	voice, err := src.Available(context.Background(), caption.Voice, languages)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"en", "te"}, voice)

	sign, err := src.Available(context.Background(), caption.Sign, languages)
	require.NoError(t, err)
	require.ElementsMatch(t, languages, sign)
}

func TestArtifactSourceMissingDirectory(t *testing.T) {
	src := ArtifactSource{Dir: filepath.Join(t.TempDir(), "absent")}
	artifacts, err := src.Scan()
	require.NoError(t, err)
	require.Empty(t, artifacts.ASL)

	voice, err := src.Available(context.Background(), caption.Voice, languages)
	require.NoError(t, err)
	require.Empty(t, voice)
}

func TestMonitorRefreshAndStatus(t *testing.T) {
	dir := t.TempDir()
	writeModels(t, dir, false, "vosk-model-en-us-0.22")
	src := ArtifactSource{Dir: dir}
	m := NewMonitor(map[caption.Modality]Source{caption.Voice: src, caption.Sign: src}, src, languages, time.Minute, testLogger())

	require.False(t, m.IsAvailable(caption.Voice, "en"))
	require.False(t, m.Ready())

	m.Refresh(context.Background())
	require.True(t, m.IsAvailable(caption.Voice, "en"))
	require.False(t, m.IsAvailable(caption.Voice, "ml"))
	require.False(t, m.IsAvailable(caption.Sign, "en"))

	status := m.Status()
	require.Equal(t, dir, status.ModelsDirectory)
	require.True(t, status.ServicesReady.Voice)
	require.False(t, status.ServicesReady.Sign)
	require.True(t, status.ServicesReady.Captions)
	require.Equal(t, map[string]bool{"en": true, "ta": false, "ml": false, "te": false}, status.Availability[caption.Voice])
	require.False(t, status.RefreshedAt.IsZero())

	// the status map is a copy
	status.Availability[caption.Voice]["ml"] = true
	require.False(t, m.IsAvailable(caption.Voice, "ml"))

	writeModels(t, dir, true)
	require.False(t, m.IsAvailable(caption.Sign, "en"), "availability only changes on refresh")
	m.Refresh(context.Background())
	require.True(t, m.IsAvailable(caption.Sign, "ta"))
}

type failingSource struct{}

func (failingSource) Available(context.Context, caption.Modality, []string) ([]string, error) {
	return nil, errors.New("check failed")
}

func TestMonitorSourceFailureMarksUnavailable(t *testing.T) {
	m := NewMonitor(map[caption.Modality]Source{
		caption.Voice: StaticSource{},
		caption.Sign:  failingSource{},
	}, ArtifactSource{Dir: t.TempDir()}, languages, time.Minute, testLogger())
	m.Refresh(context.Background())

	require.True(t, m.IsAvailable(caption.Voice, "ml"))
	require.False(t, m.IsAvailable(caption.Sign, "en"))
	require.False(t, m.IsAvailable(caption.Voice, "fr"))
	require.True(t, m.Ready())
}

type fakeProviders map[string][]string

func (f fakeProviders) Languages(name string) []string { return f[name] }

func TestRegistrySource(t *testing.T) {
	src := RegistrySource{Registry: fakeProviders{
		"recognize.voice": {"en", "ta", "fr"},
		"recognize.sign":  {"en"},
	}}
	voice, err := src.Available(context.Background(), caption.Voice, languages)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"en", "ta"}, voice)

	sign, err := src.Available(context.Background(), caption.Sign, languages)
	require.NoError(t, err)
	require.Equal(t, []string{"en"}, sign)
}

func TestMonitorRunRefreshesPeriodically(t *testing.T) {
	dir := t.TempDir()
	src := ArtifactSource{Dir: dir}
	m := NewMonitor(map[caption.Modality]Source{caption.Sign: src}, src, languages, 20*time.Millisecond, testLogger())
	m.Refresh(context.Background())
	require.False(t, m.IsAvailable(caption.Sign, "en"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	writeModels(t, dir, true)
	require.Eventually(t, func() bool {
		return m.IsAvailable(caption.Sign, "en")
	}, 2*time.Second, 10*time.Millisecond)
}
