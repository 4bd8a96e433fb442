package playlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/kasuganosora/playtest/cache"
)

var (
	// ErrOutOfOrder is returned when a tick does not advance the log's age.
	ErrOutOfOrder = errors.New("playlog: tick age out of order")
	// ErrNoStartPoint is returned when no start point precedes a frame.
	ErrNoStartPoint = errors.New("playlog: no start point")
)

const tickNotice = "tick"

// Log is the append-only record of one play. Ticks and pending events are
// stored as lists in the cache backend; readers consume them by offset, so
// every reader observes the append order.
type Log struct {
	id     string
	store  cache.Cache
	ps     cache.PubSub
	logger *zap.Logger

	mu      sync.Mutex
	lastAge int64
	loaded  bool
}

// New returns the log for play id.
func New(id string, store cache.Cache, ps cache.PubSub, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{id: id, store: store, ps: ps, logger: logger.With(zap.String("play_id", id))}
}

func (l *Log) ID() string { return l.id }

func (l *Log) tickKey() string   { return "playlog:" + l.id + ":tick" }
func (l *Log) eventKey() string  { return "playlog:" + l.id + ":event" }
func (l *Log) startKey() string  { return "playlog:" + l.id + ":start" }
func (l *Log) notifyKey() string { return "playlog:" + l.id + ":notify" }

// lastAgeLocked reads the age of the tail tick once, so a log reopened over a
// shared backend keeps rejecting stale ages.
func (l *Log) lastAgeLocked(ctx context.Context) (int64, error) {
	if l.loaded {
		return l.lastAge, nil
	}
	tail, err := l.store.LRange(ctx, l.tickKey(), -1, -1)
	if err != nil {
		return 0, err
	}
	l.lastAge = -1
	if len(tail) == 1 {
		var t Tick
		if err := json.Unmarshal([]byte(tail[0]), &t); err != nil {
			return 0, err
		}
		l.lastAge = t.Age
	}
	l.loaded = true
	return l.lastAge, nil
}

// AppendTick appends t; its age must be greater than the last appended age.
func (l *Log) AppendTick(ctx context.Context, t Tick) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}

	l.mu.Lock()
	last, err := l.lastAgeLocked(ctx)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if t.Age <= last {
		l.mu.Unlock()
		return fmt.Errorf("%w: age %d after %d", ErrOutOfOrder, t.Age, last)
	}
	if _, err := l.store.RPush(ctx, l.tickKey(), string(raw)); err != nil {
		l.mu.Unlock()
		return err
	}
	l.lastAge = t.Age
	l.mu.Unlock()

	if len(t.Ops) > 0 {
		l.logger.Debug("tick appended", zap.Int64("age", t.Age), zap.Int("ops", len(t.Ops)))
	}
	if l.ps != nil {
		if err := l.ps.Publish(ctx, l.notifyKey(), tickNotice); err != nil {
			l.logger.Warn("tick notify failed", zap.Error(err))
		}
	}
	return nil
}

// ReadTicks returns up to limit ticks starting at offset. limit <= 0 reads to
// the end of the log.
func (l *Log) ReadTicks(ctx context.Context, offset, limit int64) ([]Tick, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = offset + limit - 1
	}
	raws, err := l.store.LRange(ctx, l.tickKey(), offset, stop)
	if err != nil {
		return nil, err
	}
	ticks := make([]Tick, 0, len(raws))
	for _, raw := range raws {
		var t Tick
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, err
		}
		ticks = append(ticks, t)
	}
	return ticks, nil
}

func (l *Log) TickCount(ctx context.Context) (int64, error) {
	return l.store.LLen(ctx, l.tickKey())
}

// SendEvent queues op for the authoritative replica.
func (l *Log) SendEvent(ctx context.Context, op Operation) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return err
	}
	if _, err := l.store.RPush(ctx, l.eventKey(), string(raw)); err != nil {
		return err
	}
	l.logger.Debug("event sent", zap.Stringer("code", op.Code), zap.Int("flags", op.Flags))
	return nil
}

// ReadEvents returns the pending events queued at or after offset.
func (l *Log) ReadEvents(ctx context.Context, offset int64) ([]Operation, error) {
	raws, err := l.store.LRange(ctx, l.eventKey(), offset, -1)
	if err != nil {
		return nil, err
	}
	ops := make([]Operation, 0, len(raws))
	for _, raw := range raws {
		var op Operation
		if err := json.Unmarshal([]byte(raw), &op); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Watch returns a channel signalled after tick appends. Signals coalesce; the
// reader re-reads by offset.
func (l *Log) Watch(ctx context.Context) (<-chan struct{}, func(), error) {
	if l.ps == nil {
		return nil, nil, errors.New("playlog: no pubsub configured")
	}
	msgs, cancel, err := l.ps.Subscribe(ctx, l.notifyKey())
	if err != nil {
		return nil, nil, err
	}
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for range msgs {
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out, cancel, nil
}

func (l *Log) PutStartPoint(ctx context.Context, sp StartPoint) error {
	raw, err := json.Marshal(sp)
	if err != nil {
		return err
	}
	return l.store.HSet(ctx, l.startKey(), strconv.FormatInt(sp.Frame, 10), string(raw))
}

// StartPoint returns the latest start point at or before frame.
func (l *Log) StartPoint(ctx context.Context, frame int64) (StartPoint, error) {
	sps, err := l.StartPoints(ctx)
	if err != nil {
		return StartPoint{}, err
	}
	var (
		best  StartPoint
		found bool
	)
	for _, sp := range sps {
		if sp.Frame <= frame {
			best, found = sp, true
		}
	}
	if !found {
		return StartPoint{}, ErrNoStartPoint
	}
	return best, nil
}

// StartPoints returns every start point ordered by frame.
func (l *Log) StartPoints(ctx context.Context) ([]StartPoint, error) {
	all, err := l.store.HGetAll(ctx, l.startKey())
	if err != nil {
		return nil, err
	}
	sps := make([]StartPoint, 0, len(all))
	for _, raw := range all {
		var sp StartPoint
		if err := json.Unmarshal([]byte(raw), &sp); err != nil {
			return nil, err
		}
		sps = append(sps, sp)
	}
	sortStartPoints(sps)
	return sps, nil
}

// Dump exports the ticks and start points.
func (l *Log) Dump(ctx context.Context) (*Dump, error) {
	ticks, err := l.ReadTicks(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	sps, err := l.StartPoints(ctx)
	if err != nil {
		return nil, err
	}
	return &Dump{Ticks: ticks, StartPoints: sps}, nil
}

// Load appends a recorded play to the log.
func (l *Log) Load(ctx context.Context, d *Dump) error {
	for _, sp := range d.StartPoints {
		if err := l.PutStartPoint(ctx, sp); err != nil {
			return err
		}
	}
	for _, t := range d.Ticks {
		if err := l.AppendTick(ctx, t); err != nil {
			return err
		}
	}
	l.logger.Debug("playlog loaded", zap.Int("ticks", len(d.Ticks)), zap.Int("start_points", len(d.StartPoints)))
	return nil
}

// Release removes every key of the play from the backend.
func (l *Log) Release(ctx context.Context) error {
	l.mu.Lock()
	l.loaded = false
	l.mu.Unlock()
	return l.store.Del(ctx, l.tickKey(), l.eventKey(), l.startKey())
}
