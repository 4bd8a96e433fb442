package engine

import (
	"fmt"
	"strconv"
)

// Version is the major version of the sandbox runtime a content targets, read
// from environment["sandbox-runtime"] in game.json.
type Version int

const (
	V1 Version = 1
	V2 Version = 2
	V3 Version = 3
)

func (v Version) String() string { return "v" + strconv.Itoa(int(v)) }

// ParseVersion accepts the string or number forms used in game.json. An
// absent value means V1.
func ParseVersion(raw any) (Version, error) {
	switch x := raw.(type) {
	case nil:
		return V1, nil
	case string:
		if x == "" {
			return V1, nil
		}
		n, err := strconv.Atoi(x)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("engine: invalid sandbox-runtime %q", x)
		}
		return Version(n), nil
	case float64:
		if x <= 0 || x != float64(int(x)) {
			return 0, fmt.Errorf("engine: invalid sandbox-runtime %v", x)
		}
		return Version(int(x)), nil
	}
	return 0, fmt.Errorf("engine: invalid sandbox-runtime %v", raw)
}
