// Package engine runs game content inside a goja VM exposing a subset of the
// sandbox `g` API: scenes, entities, triggers, player events and a seeded
// random generator. The engine is deterministic: replicas built from the same
// content and seed and fed the same ticks reach the same state.
package engine

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/kasuganosora/playtest/apperr"
	"github.com/kasuganosora/playtest/playlog"
	"github.com/kasuganosora/playtest/render"
)

//go:embed prelude.js
var preludeSrc string

var preludeProgram = goja.MustCompile("prelude.js", preludeSrc, false)

// ErrClosed is returned by calls on a closed game.
var ErrClosed = errors.New("engine: game closed")

// DefaultAudioSystemID is the audio system assets bind to without a systemId.
const DefaultAudioSystemID = "sound"

var audioSystemIDs = []string{"music", "sound"}

// AudioSystem is an audio output channel of the runtime.
type AudioSystem struct {
	ID string
}

// Options configure a game instance.
type Options struct {
	Content *Content
	// Seed and StartedAt come from the play's start point.
	Seed      int64
	StartedAt int64
	SelfID    string
	// Active reports whether this instance is the authoritative replica.
	Active        bool
	ExternalValue map[string]any
	Args          any
	// Provider is nil when the runner renders nothing.
	Provider      render.Provider
	ScriptTimeout time.Duration
	Logger        *zap.Logger
}

type api struct {
	tick       goja.Callable
	boot       goja.Callable
	renderList goja.Callable
	sceneName  goja.Callable
}

// Game is one running instance of a content. All methods are safe for
// concurrent use; calls into the VM are serialized.
type Game struct {
	mu      sync.Mutex
	content *Content
	vm      *interruptibleVM
	api     api
	logger  *zap.Logger

	startedAt int64
	age       int64
	surface   render.Surface
	raised    []playlog.Operation
	broken    error
}

// New builds the VM, loads the prelude and runs the content's main module.
func New(opts Options) (*Game, error) {
	if opts.Content == nil {
		return nil, apperr.Usage("engine.New", "content is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Game{
		content:   opts.Content,
		logger:    logger,
		startedAt: opts.StartedAt,
	}
	rnd := newXorshift(opts.Seed)
	g.vm = newVM(opts.ScriptTimeout, rnd.Float64, logger)

	if opts.Provider != nil {
		s, err := opts.Provider.NewSurface(g.Width(), g.Height())
		if err != nil {
			return nil, err
		}
		g.surface = s
	}

	host, err := g.newHost(opts, rnd)
	if err != nil {
		return nil, err
	}
	if err := g.loadPrelude(host); err != nil {
		return nil, err
	}

	param, err := json.Marshal(map[string]any{"args": opts.Args})
	if err != nil {
		return nil, fmt.Errorf("engine: encode game args: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := g.vm.run("boot", func() (goja.Value, error) {
		return g.api.boot(goja.Undefined(), g.vm.rt.ToValue(string(param)))
	}); err != nil {
		return nil, err
	}

	logger.Debug("game started",
		zap.String("content", opts.Content.Source),
		zap.Stringer("version", opts.Content.Version),
		zap.Int("width", g.Width()),
		zap.Int("height", g.Height()),
		zap.Int("fps", g.FPS()),
		zap.Bool("active", opts.Active))
	return g, nil
}

func (g *Game) newHost(opts Options, rnd *xorshift) (*goja.Object, error) {
	rt := g.vm.rt
	gameJSON, err := json.Marshal(g.content.Config)
	if err != nil {
		return nil, err
	}
	host := rt.NewObject()
	set := func(name string, v any) {
		_ = host.Set(name, v)
	}

	set("gameJSON", string(gameJSON))
	if opts.ExternalValue != nil {
		ext, err := json.Marshal(opts.ExternalValue)
		if err != nil {
			return nil, fmt.Errorf("engine: encode external value: %w", err)
		}
		set("externalJSON", string(ext))
	}
	if opts.SelfID != "" {
		set("selfId", opts.SelfID)
	} else {
		set("selfId", goja.Null())
	}
	set("isActive", opts.Active)
	set("startedAt", opts.StartedAt)
	set("defaultAudioSystemId", DefaultAudioSystemID)
	ids := make([]any, len(audioSystemIDs))
	for i, id := range audioSystemIDs {
		ids[i] = id
	}
	set("audioSystemIds", rt.NewArray(ids...))

	set("random", rnd.Float64)
	set("readText", g.content.ReadText)
	set("resolve", g.content.ResolveModule)
	set("loadModule", g.loadModule)
	// called from inside a VM call, so g.mu is already held
	set("raiseEvent", func(raw string) error {
		var op playlog.Operation
		if err := json.Unmarshal([]byte(raw), &op); err != nil {
			return err
		}
		g.raised = append(g.raised, op)
		return nil
	})
	return host, nil
}

func (g *Game) loadModule(p string) (goja.Value, error) {
	src, err := g.content.ReadText(p)
	if err != nil {
		return nil, err
	}
	wrapped := "(function (exports, require, module, __filename, __dirname) {" + src + "\n})"
	prg, err := goja.Compile(p, wrapped, false)
	if err != nil {
		return nil, err
	}
	return g.vm.rt.RunProgram(prg)
}

func (g *Game) loadPrelude(host *goja.Object) error {
	rt := g.vm.rt
	factory, err := rt.RunProgram(preludeProgram)
	if err != nil {
		return fmt.Errorf("engine: prelude: %w", err)
	}
	fn, ok := goja.AssertFunction(factory)
	if !ok {
		return errors.New("engine: prelude is not a function")
	}
	res, err := fn(goja.Undefined(), host)
	if err != nil {
		return apperr.Runtime("engine.prelude", err)
	}
	obj := res.ToObject(rt)
	rt.Set("g", obj.Get("g"))

	for name, dst := range map[string]*goja.Callable{
		"tick":       &g.api.tick,
		"boot":       &g.api.boot,
		"renderList": &g.api.renderList,
		"sceneName":  &g.api.sceneName,
	} {
		c, ok := goja.AssertFunction(obj.Get(name))
		if !ok {
			return fmt.Errorf("engine: prelude does not export %s", name)
		}
		*dst = c
	}
	return nil
}

// Tick advances the game by one frame, dispatching ops in order first. Any
// error is fatal: later calls return it again.
func (g *Game) Tick(ops []playlog.Operation) error {
	if ops == nil {
		ops = []playlog.Operation{}
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.broken != nil {
		return g.broken
	}
	if _, err := g.vm.run("tick", func() (goja.Value, error) {
		return g.api.tick(goja.Undefined(), g.vm.rt.ToValue(string(raw)))
	}); err != nil {
		g.broken = err
		g.logger.Error("game tick failed", zap.Int64("age", g.age), zap.Error(err))
		return err
	}
	g.age++
	if g.surface != nil {
		if err := g.renderLocked(); err != nil {
			g.logger.Warn("render failed", zap.Error(err))
		}
	}
	return nil
}

type rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
	C string  `json:"c"`
}

func (g *Game) renderLocked() error {
	v, err := g.vm.run("render", func() (goja.Value, error) {
		return g.api.renderList(goja.Undefined())
	})
	if err != nil {
		return err
	}
	var rects []rect
	if err := json.Unmarshal([]byte(v.String()), &rects); err != nil {
		return err
	}
	g.surface.Clear()
	for _, r := range rects {
		c, err := render.ParseColor(r.C)
		if err != nil {
			continue
		}
		g.surface.FillRect(int(r.X), int(r.Y), int(r.W), int(r.H), c)
	}
	return nil
}

// DrainRaised returns the events game code raised since the last call.
func (g *Game) DrainRaised() []playlog.Operation {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.raised
	g.raised = nil
	return out
}

// Eval runs src in the game VM and returns the exported result.
func (g *Game) Eval(src string) (any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.broken != nil {
		return nil, g.broken
	}
	v, err := g.vm.run("eval", func() (goja.Value, error) {
		return g.vm.rt.RunString(src)
	})
	if err != nil {
		return nil, err
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	return v.Export(), nil
}

// EvalJSON evaluates the expression src and decodes its JSON form into out.
func (g *Game) EvalJSON(src string, out any) error {
	v, err := g.Eval("JSON.stringify((" + src + "))")
	if err != nil {
		return err
	}
	s, _ := v.(string)
	if s == "" {
		s = "null"
	}
	return json.Unmarshal([]byte(s), out)
}

// SceneName returns the name of the current scene, or "" before the first
// scene is pushed.
func (g *Game) SceneName() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.broken != nil {
		return ""
	}
	v, err := g.vm.run("sceneName", func() (goja.Value, error) {
		return g.api.sceneName(goja.Undefined())
	})
	if err != nil {
		return ""
	}
	return v.String()
}

func (g *Game) Width() int  { return g.content.Config.Width }
func (g *Game) Height() int { return g.content.Config.Height }
func (g *Game) FPS() int    { return g.content.Config.FPS }

func (g *Game) Version() Version  { return g.content.Version }
func (g *Game) Content() *Content { return g.content }

// Age is the number of ticks applied.
func (g *Game) Age() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.age
}

// CurrentTime is the game clock in ms since epoch, derived from the start
// point and the age.
func (g *Game) CurrentTime() float64 {
	age := g.Age()
	return float64(g.startedAt) + float64(age)*1000/float64(g.FPS())
}

// Surface returns the primary surface, nil when rendering is off.
func (g *Game) Surface() render.Surface { return g.surface }

func (g *Game) AudioSystem(id string) (AudioSystem, bool) {
	for _, known := range audioSystemIDs {
		if known == id {
			return AudioSystem{ID: id}, true
		}
	}
	return AudioSystem{}, false
}

func (g *Game) DefaultAudioSystemID() string { return DefaultAudioSystemID }

// Err returns the fatal error that stopped the game, if any.
func (g *Game) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if errors.Is(g.broken, ErrClosed) {
		return nil
	}
	return g.broken
}

// Close makes every later call fail with ErrClosed.
func (g *Game) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.broken == nil {
		g.broken = ErrClosed
	}
}
