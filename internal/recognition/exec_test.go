package recognition

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"testing"

	"github.com/go-audio/wav"
	"github.com/loqalabs/signsync/internal/caption"
	"github.com/loqalabs/signsync/internal/config"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecCapabilityParsesResult(t *testing.T) {
	requireShell(t)
	engine, err := NewExecCapability(caption.Sign, config.EngineConfig{
		Mode:    config.ModeExec,
		Command: `sh -c 'echo {\"success\":true,\"text\":\"hello\",\"confidence\":0.7}'`,
	})
	require.NoError(t, err)

	out, err := engine.Recognize(context.Background(), Payload{Data: []byte{0x89, 'P', 'N', 'G'}, Language: "en"})
	require.NoError(t, err)
	require.True(t, out.Success)
	require.Equal(t, "hello", out.Text)
	require.InDelta(t, 0.7, out.Confidence, 1e-9)
}

func TestExecCapabilityWrapsPCM(t *testing.T) {
	requireShell(t)
	// $0 is --input and $1 the file path.
	engine, err := NewExecCapability(caption.Voice, config.EngineConfig{
		Mode:       config.ModeExec,
		Command:    `sh -c 'printf "{\"text\":\"%s\"}" "$(head -c 4 "$1")"'`,
		SampleRate: 16000,
		Channels:   1,
	})
	require.NoError(t, err)

	out, err := engine.Recognize(context.Background(), Payload{Data: make([]byte, 320), Language: "en"})
	require.NoError(t, err)
	require.True(t, out.Success)
	require.Equal(t, "RIFF", out.Text)
}

func TestExecCapabilityCommandFailure(t *testing.T) {
	requireShell(t)
	engine, err := NewExecCapability(caption.Sign, config.EngineConfig{Mode: config.ModeExec, Command: `sh -c 'exit 3'`})
	require.NoError(t, err)

	_, err = engine.Recognize(context.Background(), Payload{Data: []byte{1}})
	require.Error(t, err)
}

func TestNewExecCapabilityRejectsEmptyCommand(t *testing.T) {
	_, err := NewExecCapability(caption.Voice, config.EngineConfig{Mode: config.ModeExec})
	require.Error(t, err)
}

func TestWritePCMToWav(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "pcm_*.wav")
	require.NoError(t, err)
	pcm := []byte{0x01, 0x00, 0xff, 0x7f, 0x00, 0x80, 0x10, 0x00}
	require.NoError(t, writePCMToWav(f, pcm, 16000, 1))
	require.NoError(t, f.Close())

	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	require.True(t, isWav(data))

	require.True(t, wav.NewDecoder(bytes.NewReader(data)).IsValidFile())
	buf, err := wav.NewDecoder(bytes.NewReader(data)).FullPCMBuffer()
	require.NoError(t, err)
	require.Equal(t, []int{1, 32767, -32768, 16}, buf.Data)

	require.Error(t, writePCMToWav(f, []byte{1}, 16000, 1))
}
