// Package playlog implements the ordered operation log shared by every replica
// of a play: the positional wire encoding of operations and ticks, the tick and
// pending-event lists stored in a cache backend, and permission-checked handles.
package playlog

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Code identifies the kind of an operation. Values match the playlog event
// tags consumed by the game runtime.
type Code int

const (
	CodeJoin      Code = 0x00
	CodeLeave     Code = 0x01
	CodeMessage   Code = 0x20
	CodePointDown Code = 0x21
	CodePointMove Code = 0x22
	CodePointUp   Code = 0x23
)

func (c Code) String() string {
	switch c {
	case CodeJoin:
		return "join"
	case CodeLeave:
		return "leave"
	case CodeMessage:
		return "message"
	case CodePointDown:
		return "pointdown"
	case CodePointMove:
		return "pointmove"
	case CodePointUp:
		return "pointup"
	}
	return fmt.Sprintf("code(%#x)", int(c))
}

// Operation is one entry of the log. Which fields are meaningful depends on
// Code; Flags are never interpreted here.
type Operation struct {
	Code     Code
	Flags    int
	PlayerID string // empty encodes as null

	// join
	PlayerName string

	// message
	Data json.RawMessage

	// point events
	PointerID int
	X, Y      float64
	// move and up only
	StartDX, StartDY float64
	PrevDX, PrevDY   float64
}

// Join builds a join operation.
func Join(flags int, playerID, name string) Operation {
	return Operation{Code: CodeJoin, Flags: flags, PlayerID: playerID, PlayerName: name}
}

// Leave builds a leave operation.
func Leave(flags int, playerID string) Operation {
	return Operation{Code: CodeLeave, Flags: flags, PlayerID: playerID}
}

// Message builds a message operation carrying an arbitrary JSON value.
func Message(flags int, playerID string, data any) (Operation, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Operation{}, fmt.Errorf("playlog: encode message data: %w", err)
	}
	return Operation{Code: CodeMessage, Flags: flags, PlayerID: playerID, Data: raw}, nil
}

// PointDown builds a point-down operation.
func PointDown(flags int, playerID string, pointerID int, x, y float64) Operation {
	return Operation{Code: CodePointDown, Flags: flags, PlayerID: playerID, PointerID: pointerID, X: x, Y: y}
}

// PointMove builds a point-move operation. start is the offset from the
// pointer-down position, prev the offset from the previous event.
func PointMove(flags int, playerID string, pointerID int, x, y, startDX, startDY, prevDX, prevDY float64) Operation {
	return Operation{
		Code: CodePointMove, Flags: flags, PlayerID: playerID, PointerID: pointerID,
		X: x, Y: y, StartDX: startDX, StartDY: startDY, PrevDX: prevDX, PrevDY: prevDY,
	}
}

// PointUp builds a point-up operation.
func PointUp(flags int, playerID string, pointerID int, x, y, startDX, startDY, prevDX, prevDY float64) Operation {
	op := PointMove(flags, playerID, pointerID, x, y, startDX, startDY, prevDX, prevDY)
	op.Code = CodePointUp
	return op
}

func (o Operation) playerValue() any {
	if o.PlayerID == "" {
		return nil
	}
	return o.PlayerID
}

// MarshalJSON encodes the operation as a positional array.
func (o Operation) MarshalJSON() ([]byte, error) {
	arr := []any{int(o.Code), o.Flags, o.playerValue()}
	switch o.Code {
	case CodeJoin:
		arr = append(arr, o.PlayerName)
	case CodeLeave:
	case CodeMessage:
		data := o.Data
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		arr = append(arr, data)
	case CodePointDown:
		arr = append(arr, o.PointerID, o.X, o.Y)
	case CodePointMove, CodePointUp:
		arr = append(arr, o.PointerID, o.X, o.Y, o.StartDX, o.StartDY, o.PrevDX, o.PrevDY)
	default:
		return nil, fmt.Errorf("playlog: unknown operation %s", o.Code)
	}
	return json.Marshal(arr)
}

// UnmarshalJSON decodes the positional array form.
func (o *Operation) UnmarshalJSON(b []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(b, &arr); err != nil {
		return fmt.Errorf("playlog: operation is not an array: %w", err)
	}
	if len(arr) < 3 {
		return fmt.Errorf("playlog: operation too short (%d fields)", len(arr))
	}
	var op Operation
	if err := json.Unmarshal(arr[0], &op.Code); err != nil {
		return fmt.Errorf("playlog: operation code: %w", err)
	}
	if err := json.Unmarshal(arr[1], &op.Flags); err != nil {
		return fmt.Errorf("playlog: operation flags: %w", err)
	}
	if !bytes.Equal(bytes.TrimSpace(arr[2]), []byte("null")) {
		if err := json.Unmarshal(arr[2], &op.PlayerID); err != nil {
			return fmt.Errorf("playlog: operation player id: %w", err)
		}
	}

	rest := arr[3:]
	need := func(n int) error {
		if len(rest) < n {
			return fmt.Errorf("playlog: %s needs %d payload fields, got %d", op.Code, n, len(rest))
		}
		return nil
	}
	switch op.Code {
	case CodeJoin:
		if len(rest) > 0 {
			if err := json.Unmarshal(rest[0], &op.PlayerName); err != nil {
				return fmt.Errorf("playlog: join name: %w", err)
			}
		}
	case CodeLeave:
	case CodeMessage:
		if err := need(1); err != nil {
			return err
		}
		op.Data = append(json.RawMessage(nil), rest[0]...)
	case CodePointDown:
		if err := need(3); err != nil {
			return err
		}
		if err := decodeInto(rest, &op.PointerID, &op.X, &op.Y); err != nil {
			return err
		}
	case CodePointMove, CodePointUp:
		if err := need(7); err != nil {
			return err
		}
		if err := decodeInto(rest, &op.PointerID, &op.X, &op.Y, &op.StartDX, &op.StartDY, &op.PrevDX, &op.PrevDY); err != nil {
			return err
		}
	default:
		return fmt.Errorf("playlog: unknown operation %s", op.Code)
	}
	*o = op
	return nil
}

func decodeInto(fields []json.RawMessage, dst ...any) error {
	for i, d := range dst {
		if err := json.Unmarshal(fields[i], d); err != nil {
			return fmt.Errorf("playlog: field %d: %w", i+3, err)
		}
	}
	return nil
}
