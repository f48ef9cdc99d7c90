package worker

import "fmt"

// State is the lifecycle position of the cache manager.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText lets State render by name in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Source says where a response came from.
type Source string

const (
	SourceCache    Source = "HIT"
	SourceNetwork  Source = "MISS"
	SourceFallback Source = "FALLBACK"
	SourceBypass   Source = "BYPASS"
)
