package recognition

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/signsync/internal/caption"
	"github.com/loqalabs/signsync/internal/config"
	"github.com/mattn/go-shellwords"
)

// execCapability runs an external recognizer per call. The command receives
// --input <file> --language <code> --modality <voice|sign> and must print
// {"success":bool,"text":string,"confidence":number} on stdout.
type execCapability struct {
	cmd      []string
	modality caption.Modality
	cfg      config.EngineConfig
}

type execResult struct {
	Success    *bool   `json:"success"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecCapability(modality caption.Modality, cfg config.EngineConfig) (Capability, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse %s command: %w", modality, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s command is empty", modality)
	}
	return &execCapability{cmd: args, modality: modality, cfg: cfg}, nil
}

func (r *execCapability) Recognize(ctx context.Context, payload Payload) (Outcome, error) {
	file, err := os.CreateTemp(os.TempDir(), fmt.Sprintf("signsync_%s_*%s", r.modality, r.extension(payload.Data)))
	if err != nil {
		return Outcome{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := r.writeInput(file, payload.Data); err != nil {
		return Outcome{}, err
	}
	if err := file.Close(); err != nil {
		return Outcome{}, fmt.Errorf("close input: %w", err)
	}

	args := append([]string{}, r.cmd...)
	cmdArgs := append(args[1:], "--input", file.Name(), "--modality", string(r.modality))
	if payload.Language != "" {
		cmdArgs = append(cmdArgs, "--language", payload.Language)
	}

	command := exec.CommandContext(ctx, args[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Outcome{}, fmt.Errorf("%s command failed: %w: %s", r.modality, err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Outcome{}, fmt.Errorf("decode %s response: %w", r.modality, err)
	}
	success := resp.Text != ""
	if resp.Success != nil {
		success = *resp.Success
	}
	return Outcome{Success: success, Text: resp.Text, Confidence: resp.Confidence}, nil
}

func (r *execCapability) extension(data []byte) string {
	if r.modality == caption.Voice {
		return ".wav"
	}
	switch http.DetectContentType(data) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}

func (r *execCapability) writeInput(file *os.File, data []byte) error {
	if r.modality != caption.Voice {
		_, err := file.Write(data)
		return err
	}
	if isWav(data) {
		if !wav.NewDecoder(bytes.NewReader(data)).IsValidFile() {
			return errors.New("invalid wav payload")
		}
		_, err := file.Write(data)
		return err
	}
	return writePCMToWav(file, data, r.cfg.SampleRate, r.cfg.Channels)
}

func isWav(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// writePCMToWav wraps raw 16-bit little-endian PCM in a WAV container.
func writePCMToWav(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
