// Package harness drives plays of game content for tests. A Context owns one
// play at a time, the runners bound to it and the logger sinks they share.
package harness

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kasuganosora/playtest/apperr"
	"github.com/kasuganosora/playtest/asset"
	"github.com/kasuganosora/playtest/cache"
	"github.com/kasuganosora/playtest/config"
	"github.com/kasuganosora/playtest/engine"
	"github.com/kasuganosora/playtest/logging"
	"github.com/kasuganosora/playtest/play"
	"github.com/kasuganosora/playtest/playlog"
	"github.com/kasuganosora/playtest/playtoken"
	"github.com/kasuganosora/playtest/render"
	"github.com/kasuganosora/playtest/runner"
	"github.com/kasuganosora/playtest/scheduler"
)

// Options configure a Context.
type Options struct {
	// GameJSONPath locates game.json. Empty runs the built-in empty content.
	GameJSONPath string
	// Playlog seeds every session with a recorded log; the session is then a
	// replay and has no authoring runner.
	Playlog *playlog.Dump
	Verbose bool

	Config     *config.Config
	Registry   *render.Registry
	AssetTable asset.Table

	// LogWriter receives the context log (stdout when nil).
	LogWriter io.Writer
	// DiagnosticWriter receives operator hints (stderr when nil).
	DiagnosticWriter io.Writer
}

// StartParams are the per-runner start parameters.
type StartParams struct {
	Player        *runner.Player
	RenderingMode render.Mode
	ExternalValue map[string]any
	GameArgs      any
}

// Context is a session controller.
type Context struct {
	opts    Options
	cfg     *config.Config
	logger  *zap.Logger
	diag    *zap.Logger
	content *engine.Content
	store   cache.Cache
	plays   *play.Manager
	sched   *scheduler.Scheduler

	mu        sync.Mutex
	playID    string
	clients   []*Client
	subs      []*runner.Subscription
	authoring bool

	errMu sync.Mutex
	fatal error
}

// NewContext loads the content and builds the context's log store and
// logger sinks.
func NewContext(opts Options) (*Context, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	verbose := opts.Verbose || cfg.Harness.Verbose
	logger := logging.New(cfg.Log, verbose, opts.LogWriter)

	var (
		content *engine.Content
		err     error
	)
	if opts.GameJSONPath == "" {
		content, err = engine.EmptyContent()
	} else {
		content, err = engine.LoadContent(opts.GameJSONPath)
	}
	if err != nil {
		return nil, err
	}

	store, err := cache.NewCache(cache.CacheConfig(cfg.Cache))
	if err != nil {
		return nil, err
	}
	ps, err := cache.NewPubSub(cache.CacheConfig(cfg.Cache))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if opts.Registry == nil {
		opts.Registry = render.Default()
	}
	if opts.AssetTable == nil {
		opts.AssetTable = asset.DefaultTable()
	}

	issuer := playtoken.NewIssuer(cfg.Token.Secret, cfg.Token.TTL)
	return &Context{
		opts:    opts,
		cfg:     cfg,
		logger:  logger,
		diag:    logging.Diagnostic(opts.DiagnosticWriter),
		content: content,
		store:   store,
		plays:   play.NewManager(store, ps, issuer, logger),
		sched:   scheduler.New(logger),
	}, nil
}

// Logger returns the context logger.
func (c *Context) Logger() *zap.Logger { return c.logger }

// Content returns the loaded content.
func (c *Context) Content() *engine.Content { return c.content }

// PlayID returns the current play id, "" without a session.
func (c *Context) PlayID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playID
}

// Err returns the first fatal runner error seen by the context.
func (c *Context) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.fatal
}

// CreateSession replaces any current session with a new play, seeded with
// the recorded playlog when one was given.
func (c *Context) CreateSession(ctx context.Context) (string, error) {
	if err := c.TeardownSession(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createSessionLocked(ctx)
}

func (c *Context) createSessionLocked(ctx context.Context) (string, error) {
	p, err := c.plays.CreatePlay(ctx)
	if err != nil {
		return "", err
	}
	if c.opts.Playlog != nil {
		if err := p.Log().Load(ctx, c.opts.Playlog); err != nil {
			_ = c.plays.DeletePlay(ctx, p.ID)
			return "", err
		}
		c.logger.Info("play seeded from recorded log",
			zap.String("play_id", p.ID),
			zap.Int("start_points", len(c.opts.Playlog.StartPoints)))
	}
	c.playID = p.ID
	return p.ID, nil
}

// CreateRunner starts a runner of kind bound to the current session and
// returns it paused.
func (c *Context) CreateRunner(ctx context.Context, kind runner.Kind, params StartParams) (*Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createRunnerLocked(ctx, kind, params)
}

func (c *Context) createRunnerLocked(ctx context.Context, kind runner.Kind, params StartParams) (*Client, error) {
	if c.playID == "" {
		return nil, apperr.Usage("harness.CreateRunner", "no session")
	}
	if kind == runner.Active {
		if c.opts.Playlog != nil {
			return nil, apperr.Usage("harness.CreateRunner", "a replayed session has no authoring runner")
		}
		if c.authoring {
			return nil, apperr.Usage("harness.CreateRunner", "session %s already has an authoring runner", c.playID)
		}
	}

	token, err := c.plays.CreateToken(c.playID, kind.Class())
	if err != nil {
		return nil, err
	}
	handle, err := c.plays.OpenLog(c.playID, token)
	if err != nil {
		return nil, err
	}
	r, err := runner.New(runner.Options{
		Kind:          kind,
		PlayID:        c.playID,
		Token:         token,
		Log:           handle,
		Content:       c.content,
		Player:        params.Player,
		RenderingMode: params.RenderingMode,
		Registry:      c.opts.Registry,
		ExternalValue: params.ExternalValue,
		GameArgs:      params.GameArgs,
		Harness:       c.cfg.Harness,
		Scheduler:     c.sched,
		Logger:        c.logger,
	})
	if err != nil {
		return nil, err
	}

	sub := r.OnError(func(err error) { _ = c.handleRunnerError(r, err) })
	if err := r.Start(ctx); err != nil {
		sub.Detach()
		r.Stop()
		return nil, err
	}
	if err := r.Pause(); err != nil {
		sub.Detach()
		r.Stop()
		return nil, err
	}

	client := newClient(c, r, params)
	c.clients = append(c.clients, client)
	c.subs = append(c.subs, sub)
	if kind == runner.Active {
		c.authoring = true
	}
	c.logger.Debug("runner created",
		zap.String("play_id", c.playID),
		zap.String("runner_id", r.ID()),
		zap.String("kind", string(kind)))
	return client, nil
}

// GameClient starts a new session and its primary runner: passive when the
// context replays a recorded playlog, active otherwise.
func (c *Context) GameClient(ctx context.Context, params StartParams) (*Client, error) {
	if _, err := c.CreateSession(ctx); err != nil {
		return nil, err
	}
	kind := runner.Active
	if c.opts.Playlog != nil {
		kind = runner.Passive
	}
	return c.CreateRunner(ctx, kind, params)
}

// PassiveGameClient adds an observing runner, creating the session first if
// there is none.
func (c *Context) PassiveGameClient(ctx context.Context, params StartParams) (*Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playID == "" {
		if _, err := c.createSessionLocked(ctx); err != nil {
			return nil, err
		}
	}
	return c.createRunnerLocked(ctx, runner.Passive, params)
}

// TeardownSession detaches the error handlers, stops every runner and
// deletes the play. It does nothing without a session.
func (c *Context) TeardownSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		s.Detach()
	}
	for _, cl := range c.clients {
		cl.r.Stop()
	}
	c.subs = nil
	c.clients = nil
	c.authoring = false

	if c.playID == "" {
		return nil
	}
	id := c.playID
	c.playID = ""
	if err := c.plays.DeletePlay(ctx, id); err != nil && !errors.Is(err, play.ErrPlayNotFound) {
		return err
	}
	c.logger.Debug("session torn down", zap.String("play_id", id))
	return nil
}

// Close tears down the session and releases the context's store.
func (c *Context) Close(ctx context.Context) error {
	err := c.TeardownSession(ctx)
	c.sched.Stop()
	if cerr := c.store.Close(); err == nil {
		err = cerr
	}
	_ = c.logger.Sync()
	return err
}

func (c *Context) liveRunners() []*runner.Runner {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*runner.Runner, 0, len(c.clients))
	for _, cl := range c.clients {
		if cl.r.State() != runner.StateStopped {
			out = append(out, cl.r)
		}
	}
	return out
}

// AdvanceUniform advances every live runner by ms in turn. Each runner reads
// the log once for the whole window.
func (c *Context) AdvanceUniform(ctx context.Context, ms float64) error {
	for _, r := range c.liveRunners() {
		if err := r.Advance(ctx, ms); err != nil {
			return err
		}
	}
	return nil
}

// AdvanceFramewise advances every live runner frame by frame until ms of
// simulated time has passed. The frame is that of the fastest runner.
func (c *Context) AdvanceFramewise(ctx context.Context, ms float64) error {
	runners := c.liveRunners()
	maxFPS := 0
	for _, r := range runners {
		if r.FPS() > maxFPS {
			maxFPS = r.FPS()
		}
	}
	if maxFPS <= 0 {
		return apperr.Usage("harness.AdvanceFramewise", "no runner with a positive frame rate")
	}
	delta := 1000 / float64(maxFPS)
	rounds := int(math.Ceil(ms/delta - 1e-9))
	for i := 0; i < rounds; i++ {
		for _, r := range runners {
			if err := r.Advance(ctx, delta); err != nil {
				return err
			}
		}
	}
	return nil
}

// StepAllOnce steps every live runner once, concurrently. Failures are
// logged, not returned.
func (c *Context) StepAllOnce(ctx context.Context) {
	var g errgroup.Group
	for _, r := range c.liveRunners() {
		r := r
		g.Go(func() error {
			if err := r.Step(ctx); err != nil {
				c.logger.Warn("step failed", zap.String("runner_id", r.ID()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// DumpPlaylog exports the current session's log.
func (c *Context) DumpPlaylog(ctx context.Context) (*playlog.Dump, error) {
	id := c.PlayID()
	if id == "" {
		return nil, apperr.Usage("harness.DumpPlaylog", "no session")
	}
	p, err := c.plays.Play(id)
	if err != nil {
		return nil, err
	}
	return p.Log().Dump(ctx)
}

// handleRunnerError records a fatal runner error and explains the causes an
// operator can fix. The error is always returned.
func (c *Context) handleRunnerError(r *runner.Runner, err error) error {
	var missing *render.MissingBackendError
	if errors.As(err, &missing) {
		switch missing.Mode {
		case render.ModeCanvas:
			c.diag.Error(`rendering mode "canvas" needs a canvas backend; register a render.Provider for it in harness.Options.Registry`)
		case render.ModeNapiCanvas:
			c.diag.Error(`rendering mode "@napi-rs/canvas" needs the alternate canvas backend; register a render.Provider for it in harness.Options.Registry`)
		}
	}
	c.logger.Error("runner failed",
		zap.String("runner_id", r.ID()),
		zap.String("kind", string(r.Kind())),
		zap.Error(err))

	c.errMu.Lock()
	if c.fatal == nil {
		c.fatal = err
	}
	c.errMu.Unlock()
	return err
}
