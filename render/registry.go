// Package render resolves the optional surface backends a runner may draw
// into. A runner started with ModeNone has no provider at all.
package render

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"sync"

	"github.com/kasuganosora/playtest/apperr"
)

// Mode is a rendering mode requested by a runner.
type Mode string

const (
	ModeNone       Mode = "none"
	ModeCanvas     Mode = "canvas"
	ModeNapiCanvas Mode = "@napi-rs/canvas"
)

func (m Mode) known() bool {
	switch m {
	case ModeNone, ModeCanvas, ModeNapiCanvas:
		return true
	}
	return false
}

// Surface is a drawable pixel buffer.
type Surface interface {
	Width() int
	Height() int
	Clear()
	FillRect(x, y, w, h int, c color.Color)
	Image() image.Image
	EncodePNG(w io.Writer) error
}

// Provider creates surfaces for one mode.
type Provider interface {
	Mode() Mode
	NewSurface(width, height int) (Surface, error)
}

// MissingBackendError reports a known mode whose backend is not registered.
type MissingBackendError struct {
	Mode Mode
}

func (e *MissingBackendError) Error() string {
	return fmt.Sprintf("render: backend %q is not installed", string(e.Mode))
}

// Registry maps modes to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[Mode]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[Mode]Provider)}
}

// Default returns a registry with the in-memory canvas backend installed.
func Default() *Registry {
	r := NewRegistry()
	r.Register(CanvasProvider{})
	return r
}

// Register installs p for its mode, replacing any previous provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Mode()] = p
}

// Resolve returns the provider for mode. ModeNone and the empty mode resolve
// to a nil provider.
func (r *Registry) Resolve(mode Mode) (Provider, error) {
	if mode == "" || mode == ModeNone {
		return nil, nil
	}
	if !mode.known() {
		return nil, apperr.Usage("render.Resolve", "unsupported rendering mode %q", string(mode))
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[mode]
	if !ok {
		return nil, &MissingBackendError{Mode: mode}
	}
	return p, nil
}
