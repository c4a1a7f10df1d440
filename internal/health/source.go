package health

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loqalabs/signsync/internal/capability"
	"github.com/loqalabs/signsync/internal/caption"
	"github.com/samber/lo"
)

// Source reports which of the given languages a modality can currently serve.
type Source interface {
	Available(ctx context.Context, modality caption.Modality, languages []string) ([]string, error)
}

// StaticSource serves every configured language. Used for mock engines.
type StaticSource struct{}

func (StaticSource) Available(_ context.Context, _ caption.Modality, languages []string) ([]string, error) {
	return append([]string(nil), languages...), nil
}

// Artifacts lists model files found on disk.
type Artifacts struct {
	ASL  []string `json:"asl_models"`
	Vosk []string `json:"vosk_models"`
}

// ArtifactSource derives availability from model artifacts under a directory:
// asl*.h5 files enable sign for every language, vosk/vosk-model-* directories
// enable voice for the language named in the directory.
type ArtifactSource struct {
	Dir string
}

func (a ArtifactSource) Scan() (Artifacts, error) {
	var out Artifacts
	entries, err := os.ReadDir(a.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return out, nil
		}
		return out, fmt.Errorf("read models directory: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasPrefix(name, "asl") && strings.HasSuffix(name, ".h5") {
			out.ASL = append(out.ASL, name)
		}
	}

	voskEntries, err := os.ReadDir(filepath.Join(a.Dir, "vosk"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return out, fmt.Errorf("read vosk directory: %w", err)
	}
	for _, entry := range voskEntries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "vosk-model") {
			out.Vosk = append(out.Vosk, entry.Name())
		}
	}
	sort.Strings(out.ASL)
	sort.Strings(out.Vosk)
	return out, nil
}

func (a ArtifactSource) Available(_ context.Context, modality caption.Modality, languages []string) ([]string, error) {
	artifacts, err := a.Scan()
	if err != nil {
		return nil, err
	}
	switch modality {
	case caption.Sign:
		if len(artifacts.ASL) == 0 {
			return nil, nil
		}
		return append([]string(nil), languages...), nil
	case caption.Voice:
		var found []string
		for _, model := range artifacts.Vosk {
			if code, ok := voskLanguage(model, languages); ok {
				found = append(found, code)
			}
		}
		return lo.Uniq(found), nil
	default:
		return nil, nil
	}
}

// voskLanguage infers the language of a model directory such as
// vosk-model-small-en-us-0.15 from its first token matching a known code.
func voskLanguage(model string, languages []string) (string, bool) {
	tokens := strings.Split(strings.ToLower(strings.TrimPrefix(model, "vosk-model")), "-")
	return lo.Find(tokens, func(token string) bool {
		return lo.Contains(languages, token)
	})
}

// Providers is the view of the engine registry a RegistrySource needs.
type Providers interface {
	Languages(name string) []string
}

// RegistrySource derives availability from healthy recognition nodes.
type RegistrySource struct {
	Registry Providers
}

func (r RegistrySource) Available(_ context.Context, modality caption.Modality, languages []string) ([]string, error) {
	name := capability.RecognizeVoice
	if modality == caption.Sign {
		name = capability.RecognizeSign
	}
	return lo.Intersect(languages, r.Registry.Languages(name)), nil
}
