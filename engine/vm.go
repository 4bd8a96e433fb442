package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/kasuganosora/playtest/apperr"
)

// ErrScriptTimeout is returned when a call into the game VM exceeds the
// script time limit. The VM is unusable afterwards.
var ErrScriptTimeout = errors.New("engine: script execution timed out")

// ErrPanic is returned when the VM panics.
var ErrPanic = errors.New("engine: script panicked")

// interruptibleVM wraps one goja runtime. It is not safe for concurrent use;
// Game serializes every call.
type interruptibleVM struct {
	rt      *goja.Runtime
	timeout time.Duration
	logger  *zap.Logger
	tainted error
}

func newVM(timeout time.Duration, random func() float64, logger *zap.Logger) *interruptibleVM {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &interruptibleVM{rt: newSafeVM(random), timeout: timeout, logger: logger}
}

// newSafeVM creates a goja Runtime with host-reaching globals removed and
// Math.random bound to the play's seeded generator.
func newSafeVM(random func() float64) *goja.Runtime {
	vm := goja.New()
	for _, name := range []string{"require", "process", "fetch", "XMLHttpRequest", "eval"} {
		vm.Set(name, goja.Undefined())
	}
	if math := vm.Get("Math"); math != nil {
		_ = math.ToObject(vm).Set("random", random)
	}
	return vm
}

// run executes fn with the script timeout armed. A timeout or panic taints the
// VM; script exceptions do not.
func (v *interruptibleVM) run(op string, fn func() (goja.Value, error)) (result goja.Value, err error) {
	if v.tainted != nil {
		return nil, v.tainted
	}

	timer := time.AfterFunc(v.timeout, func() {
		v.rt.Interrupt(ErrScriptTimeout)
	})
	defer func() {
		// fired after fn returned: drop the pending interrupt
		if !timer.Stop() && v.tainted == nil {
			v.rt.ClearInterrupt()
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("game vm panicked", zap.String("op", op), zap.Any("recover", r))
			err = apperr.Runtime(op, fmt.Errorf("%w: %v", ErrPanic, r))
			v.tainted = err
			result = nil
		}
	}()

	result, err = fn()
	if err == nil {
		return result, nil
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		v.tainted = apperr.Runtime(op, ErrScriptTimeout)
		return nil, v.tainted
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return nil, apperr.Runtime(op, errors.New(ex.Error()))
	}
	return nil, apperr.Runtime(op, err)
}

// xorshift is the xorshift128+ generator replicas share through the start
// point seed.
type xorshift struct {
	s0, s1 uint64
}

func newXorshift(seed int64) *xorshift {
	// splitmix64 seed expansion
	z := uint64(seed)
	next := func() uint64 {
		z += 0x9e3779b97f4a7c15
		x := z
		x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
		x = (x ^ (x >> 27)) * 0x94d049bb133111eb
		return x ^ (x >> 31)
	}
	x := &xorshift{s0: next(), s1: next()}
	if x.s0 == 0 && x.s1 == 0 {
		x.s1 = 1
	}
	return x
}

func (x *xorshift) next() uint64 {
	s1 := x.s0
	s0 := x.s1
	x.s0 = s0
	s1 ^= s1 << 23
	x.s1 = s1 ^ s0 ^ (s1 >> 17) ^ (s0 >> 26)
	return x.s1 + s0
}

// Float64 returns a value in [0, 1).
func (x *xorshift) Float64() float64 {
	return float64(x.next()>>11) / (1 << 53)
}
