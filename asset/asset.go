// Package asset materializes dummy image and audio assets for a running game.
// The factory is chosen from a table keyed by the game's runtime version.
package asset

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kasuganosora/playtest/apperr"
	"github.com/kasuganosora/playtest/engine"
	"github.com/kasuganosora/playtest/render"
)

// ImageAsset is a synthetic image. Surface is nil unless the factory is
// surface-backed.
type ImageAsset struct {
	ID      string
	Path    string
	Width   int
	Height  int
	Surface render.Surface
}

// AudioAsset is a synthetic audio clip bound to an audio system.
type AudioAsset struct {
	ID       string
	Path     string
	Duration int
	Loop     bool
	Hint     map[string]any
	System   engine.AudioSystem
}

// ImageSpec describes an image to create; empty ID and Path are generated.
type ImageSpec struct {
	ID     string
	Path   string
	Width  int
	Height int
}

// AudioSpec describes an audio clip to create. An empty SystemID binds the
// runtime's default audio system.
type AudioSpec struct {
	ID       string
	Path     string
	Duration int
	SystemID string
	Loop     bool
	Hint     map[string]any
}

// Runtime is the part of a game the materializer needs.
type Runtime interface {
	Version() engine.Version
	AudioSystem(id string) (engine.AudioSystem, bool)
	DefaultAudioSystemID() string
}

// Materializer creates assets for one game.
type Materializer struct {
	table    Table
	rt       Runtime
	provider render.Provider
	logger   *zap.Logger
}

// NewMaterializer binds a table to a game and its (possibly nil) surface
// provider.
func NewMaterializer(table Table, rt Runtime, provider render.Provider, logger *zap.Logger) *Materializer {
	if table == nil {
		table = DefaultTable()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Materializer{table: table, rt: rt, provider: provider, logger: logger}
}

// CreateImage resolves the factory for the runtime version and creates an
// image.
func (m *Materializer) CreateImage(_ context.Context, spec ImageSpec) (*ImageAsset, error) {
	f, err := m.table.Resolve(m.rt.Version(), m.provider)
	if err != nil {
		return nil, err
	}
	id, path := fill(spec.ID, spec.Path)
	img, err := f.CreateImageAsset(id, path, spec.Width, spec.Height)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("dummy image created", zap.String("id", id), zap.String("factory", f.Name()))
	return img, nil
}

// CreateAudio resolves the factory and the audio system and creates a clip.
func (m *Materializer) CreateAudio(_ context.Context, spec AudioSpec) (*AudioAsset, error) {
	f, err := m.table.Resolve(m.rt.Version(), m.provider)
	if err != nil {
		return nil, err
	}
	systemID := spec.SystemID
	if systemID == "" {
		systemID = m.rt.DefaultAudioSystemID()
	}
	system, ok := m.rt.AudioSystem(systemID)
	if !ok {
		return nil, apperr.Resolution("asset.CreateAudio", "unknown audio system %q", systemID)
	}
	id, path := fill(spec.ID, spec.Path)
	a, err := f.CreateAudioAsset(id, path, spec.Duration, system, spec.Loop, spec.Hint)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("dummy audio created", zap.String("id", id), zap.String("system", system.ID))
	return a, nil
}

func fill(id, path string) (string, string) {
	if id == "" {
		id = uuid.NewString()
	}
	if path == "" {
		path = uuid.NewString()
	}
	return id, path
}
