package playlog

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotPermitted is returned when a handle lacks the permission an operation
// needs.
var ErrNotPermitted = errors.New("playlog: operation not permitted")

// Permission is the set of log capabilities granted to a handle.
type Permission struct {
	ReadTick       bool
	WriteTick      bool
	SendEvent      bool
	SubscribeEvent bool
	SubscribeTick  bool
}

var (
	// ActivePermission is granted to the authoritative replica.
	ActivePermission = Permission{ReadTick: true, WriteTick: true, SendEvent: true, SubscribeEvent: true, SubscribeTick: true}
	// PassivePermission is granted to replaying replicas. They may still send
	// events; only the authoritative replica folds them into ticks.
	PassivePermission = Permission{ReadTick: true, SendEvent: true, SubscribeTick: true}
)

// Handle is a permission-checked view of a Log.
type Handle struct {
	log  *Log
	perm Permission
}

// Open returns a handle over l limited to perm.
func (l *Log) Open(perm Permission) *Handle {
	return &Handle{log: l, perm: perm}
}

func denied(op string) error {
	return fmt.Errorf("%s: %w", op, ErrNotPermitted)
}

// PlayID returns the play the handle is bound to.
func (h *Handle) PlayID() string { return h.log.ID() }

// Permission returns the granted permission set.
func (h *Handle) Permission() Permission { return h.perm }

func (h *Handle) AppendTick(ctx context.Context, t Tick) error {
	if !h.perm.WriteTick {
		return denied("append tick")
	}
	return h.log.AppendTick(ctx, t)
}

func (h *Handle) ReadTicks(ctx context.Context, offset, limit int64) ([]Tick, error) {
	if !h.perm.ReadTick {
		return nil, denied("read ticks")
	}
	return h.log.ReadTicks(ctx, offset, limit)
}

func (h *Handle) TickCount(ctx context.Context) (int64, error) {
	if !h.perm.ReadTick {
		return 0, denied("tick count")
	}
	return h.log.TickCount(ctx)
}

func (h *Handle) SendEvent(ctx context.Context, op Operation) error {
	if !h.perm.SendEvent {
		return denied("send event")
	}
	return h.log.SendEvent(ctx, op)
}

func (h *Handle) ReadEvents(ctx context.Context, offset int64) ([]Operation, error) {
	if !h.perm.SubscribeEvent {
		return nil, denied("read events")
	}
	return h.log.ReadEvents(ctx, offset)
}

// Watch signals whenever a tick is appended.
func (h *Handle) Watch(ctx context.Context) (<-chan struct{}, func(), error) {
	if !h.perm.SubscribeTick {
		return nil, nil, denied("watch")
	}
	return h.log.Watch(ctx)
}

func (h *Handle) PutStartPoint(ctx context.Context, sp StartPoint) error {
	if !h.perm.WriteTick {
		return denied("put start point")
	}
	return h.log.PutStartPoint(ctx, sp)
}

func (h *Handle) StartPoint(ctx context.Context, frame int64) (StartPoint, error) {
	if !h.perm.ReadTick {
		return StartPoint{}, denied("start point")
	}
	return h.log.StartPoint(ctx, frame)
}
