package playlog

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Tick is one frame of the authoritative replica: its age and the operations
// folded into it. Encoded as [age] or [age, [op...]].
type Tick struct {
	Age int64
	Ops []Operation
}

func (t Tick) MarshalJSON() ([]byte, error) {
	if len(t.Ops) == 0 {
		return json.Marshal([]any{t.Age})
	}
	return json.Marshal([]any{t.Age, t.Ops})
}

func (t *Tick) UnmarshalJSON(b []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(b, &arr); err != nil {
		return fmt.Errorf("playlog: tick is not an array: %w", err)
	}
	if len(arr) == 0 {
		return fmt.Errorf("playlog: empty tick")
	}
	var tick Tick
	if err := json.Unmarshal(arr[0], &tick.Age); err != nil {
		return fmt.Errorf("playlog: tick age: %w", err)
	}
	if len(arr) > 1 && string(arr[1]) != "null" {
		if err := json.Unmarshal(arr[1], &tick.Ops); err != nil {
			return fmt.Errorf("playlog: tick %d operations: %w", tick.Age, err)
		}
	}
	*t = tick
	return nil
}

// StartPoint lets a replica reproduce the authoritative replica from a frame.
type StartPoint struct {
	Frame     int64          `json:"frame"`
	Timestamp int64          `json:"timestamp"`
	Data      StartPointData `json:"data"`
}

// StartPointData carries the random seed and the wall-clock start (ms since
// epoch) the game clock is derived from.
type StartPointData struct {
	Seed      int64 `json:"seed"`
	StartedAt int64 `json:"startedAt"`
}

// Dump is a recorded play.
type Dump struct {
	Ticks       []Tick
	StartPoints []StartPoint
}

type dumpJSON struct {
	TickList    []json.RawMessage `json:"tickList"`
	StartPoints []StartPoint      `json:"startPoints"`
}

// MarshalJSON writes {"tickList":[from,to,[ticksWithOps]],"startPoints":[...]};
// ticks without operations are implied by the range.
func (d Dump) MarshalJSON() ([]byte, error) {
	out := struct {
		TickList    []any        `json:"tickList"`
		StartPoints []StartPoint `json:"startPoints"`
	}{StartPoints: d.StartPoints}
	if out.StartPoints == nil {
		out.StartPoints = []StartPoint{}
	}
	if len(d.Ticks) == 0 {
		out.TickList = []any{0, -1}
		return json.Marshal(out)
	}
	withOps := make([]Tick, 0)
	for _, t := range d.Ticks {
		if len(t.Ops) > 0 {
			withOps = append(withOps, t)
		}
	}
	out.TickList = []any{d.Ticks[0].Age, d.Ticks[len(d.Ticks)-1].Age, withOps}
	return json.Marshal(out)
}

// UnmarshalJSON expands the tick range back into one Tick per age.
func (d *Dump) UnmarshalJSON(b []byte) error {
	var in dumpJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return fmt.Errorf("playlog: decode dump: %w", err)
	}
	if len(in.TickList) < 2 {
		return fmt.Errorf("playlog: tickList needs at least [from, to]")
	}
	var from, to int64
	if err := json.Unmarshal(in.TickList[0], &from); err != nil {
		return fmt.Errorf("playlog: tickList from: %w", err)
	}
	if err := json.Unmarshal(in.TickList[1], &to); err != nil {
		return fmt.Errorf("playlog: tickList to: %w", err)
	}
	var withOps []Tick
	if len(in.TickList) > 2 {
		if err := json.Unmarshal(in.TickList[2], &withOps); err != nil {
			return fmt.Errorf("playlog: tickList ticks: %w", err)
		}
	}

	byAge := make(map[int64][]Operation, len(withOps))
	for _, t := range withOps {
		if t.Age < from || t.Age > to {
			return fmt.Errorf("playlog: tick %d outside range [%d, %d]", t.Age, from, to)
		}
		byAge[t.Age] = t.Ops
	}
	var ticks []Tick
	for age := from; age <= to; age++ {
		ticks = append(ticks, Tick{Age: age, Ops: byAge[age]})
	}

	sortStartPoints(in.StartPoints)
	*d = Dump{Ticks: ticks, StartPoints: in.StartPoints}
	return nil
}

func sortStartPoints(sps []StartPoint) {
	sort.Slice(sps, func(i, j int) bool { return sps[i].Frame < sps[j].Frame })
}
