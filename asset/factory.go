package asset

import (
	"github.com/kasuganosora/playtest/apperr"
	"github.com/kasuganosora/playtest/engine"
	"github.com/kasuganosora/playtest/render"
)

// Factory creates assets for one runtime version.
type Factory interface {
	Name() string
	CreateImageAsset(id, path string, width, height int) (*ImageAsset, error)
	CreateAudioAsset(id, path string, duration int, system engine.AudioSystem, loop bool, hint map[string]any) (*AudioAsset, error)
}

// Constructor builds a factory given the runner's surface provider, which
// may be nil.
type Constructor func(provider render.Provider) Factory

// Table maps runtime versions to factory constructors. Supporting a new
// version is one more entry.
type Table map[engine.Version]Constructor

// DefaultTable covers V1 to V3. Only V3 runtimes draw into surfaces.
func DefaultTable() Table {
	null := func(render.Provider) Factory { return nullFactory{} }
	return Table{
		engine.V1: null,
		engine.V2: null,
		engine.V3: func(p render.Provider) Factory {
			if p == nil {
				return nullFactory{}
			}
			return surfaceFactory{provider: p}
		},
	}
}

// Resolve returns the factory for v.
func (t Table) Resolve(v engine.Version, provider render.Provider) (Factory, error) {
	ctor, ok := t[v]
	if !ok || ctor == nil {
		return nil, apperr.Resolution("asset.Resolve", "no asset factory for runtime %s", v)
	}
	return ctor(provider), nil
}

type nullFactory struct{}

func (nullFactory) Name() string { return "null" }

func (nullFactory) CreateImageAsset(id, path string, width, height int) (*ImageAsset, error) {
	return &ImageAsset{ID: id, Path: path, Width: width, Height: height}, nil
}

func (nullFactory) CreateAudioAsset(id, path string, duration int, system engine.AudioSystem, loop bool, hint map[string]any) (*AudioAsset, error) {
	return &AudioAsset{ID: id, Path: path, Duration: duration, Loop: loop, Hint: hint, System: system}, nil
}

// surfaceFactory backs images with a blank surface from the provider.
type surfaceFactory struct {
	nullFactory
	provider render.Provider
}

func (f surfaceFactory) Name() string { return "surface:" + string(f.provider.Mode()) }

func (f surfaceFactory) CreateImageAsset(id, path string, width, height int) (*ImageAsset, error) {
	img, _ := f.nullFactory.CreateImageAsset(id, path, width, height)
	s, err := f.provider.NewSurface(width, height)
	if err != nil {
		return nil, apperr.Usage("asset.CreateImage", "%v", err)
	}
	img.Surface = s
	return img, nil
}
