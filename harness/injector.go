package harness

import (
	"context"
	"sync"

	"github.com/kasuganosora/playtest/playlog"
)

// EventOption adjusts an injected event.
type EventOption func(*eventOptions)

type eventOptions struct {
	flags  int
	player string
}

// WithFlags sets the event flags. The default is 0.
func WithFlags(flags int) EventOption {
	return func(o *eventOptions) { o.flags = flags }
}

// WithPlayer sets the player the event is attributed to. For messages it is
// the recipient; for point events it overrides the issuing client. Join and
// leave events always carry their own player id.
func WithPlayer(id string) EventOption {
	return func(o *eventOptions) { o.player = id }
}

type pointer struct {
	startX, startY float64
	prevX, prevY   float64
}

// EventInjector turns test actions into operations on the play log.
type EventInjector struct {
	log  *playlog.Handle
	self string

	mu       sync.Mutex
	pointers map[int]pointer
}

func newEventInjector(log *playlog.Handle, self string) *EventInjector {
	return &EventInjector{log: log, self: self, pointers: make(map[int]pointer)}
}

func (e *EventInjector) options(opts []EventOption, player string) eventOptions {
	o := eventOptions{player: player}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// SendPointDown presses pointer identifier at (x, y).
func (e *EventInjector) SendPointDown(ctx context.Context, x, y float64, identifier int, opts ...EventOption) error {
	o := e.options(opts, e.self)
	e.mu.Lock()
	e.pointers[identifier] = pointer{startX: x, startY: y, prevX: x, prevY: y}
	e.mu.Unlock()
	return e.log.SendEvent(ctx, playlog.PointDown(o.flags, o.player, identifier, x, y))
}

// SendPointMove moves pointer identifier to (x, y). Deltas are relative to
// the press and to the previous position.
func (e *EventInjector) SendPointMove(ctx context.Context, x, y float64, identifier int, opts ...EventOption) error {
	o := e.options(opts, e.self)
	sdx, sdy, pdx, pdy := e.track(identifier, x, y, false)
	return e.log.SendEvent(ctx, playlog.PointMove(o.flags, o.player, identifier, x, y, sdx, sdy, pdx, pdy))
}

// SendPointUp releases pointer identifier at (x, y).
func (e *EventInjector) SendPointUp(ctx context.Context, x, y float64, identifier int, opts ...EventOption) error {
	o := e.options(opts, e.self)
	sdx, sdy, pdx, pdy := e.track(identifier, x, y, true)
	return e.log.SendEvent(ctx, playlog.PointUp(o.flags, o.player, identifier, x, y, sdx, sdy, pdx, pdy))
}

func (e *EventInjector) track(identifier int, x, y float64, release bool) (sdx, sdy, pdx, pdy float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pointers[identifier]
	if !ok {
		p = pointer{startX: x, startY: y, prevX: x, prevY: y}
	}
	sdx, sdy = x-p.startX, y-p.startY
	pdx, pdy = x-p.prevX, y-p.prevY
	if release {
		delete(e.pointers, identifier)
	} else {
		p.prevX, p.prevY = x, y
		e.pointers[identifier] = p
	}
	return
}

// SendMessage sends data as a message event. WithPlayer names the recipient.
func (e *EventInjector) SendMessage(ctx context.Context, data any, opts ...EventOption) error {
	o := e.options(opts, "")
	op, err := playlog.Message(o.flags, o.player, data)
	if err != nil {
		return err
	}
	return e.log.SendEvent(ctx, op)
}

// SendJoinEvent joins playerID under name.
func (e *EventInjector) SendJoinEvent(ctx context.Context, playerID, name string, opts ...EventOption) error {
	o := e.options(opts, "")
	return e.log.SendEvent(ctx, playlog.Join(o.flags, playerID, name))
}

// SendLeaveEvent makes playerID leave.
func (e *EventInjector) SendLeaveEvent(ctx context.Context, playerID string, opts ...EventOption) error {
	o := e.options(opts, "")
	return e.log.SendEvent(ctx, playlog.Leave(o.flags, playerID))
}
