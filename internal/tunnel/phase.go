// Package tunnel holds the vocabulary shared by every layer of the connector:
// connection phases and the error taxonomy surfaced to callers.
package tunnel

import "fmt"

// Phase is the lifecycle state of a supervised tunnel. The same values are
// persisted in the configuration record's status column.
type Phase string

const (
	PhaseConfigured   Phase = "configured"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseDisconnected Phase = "disconnected"
	PhaseError        Phase = "error"
)

func (p Phase) String() string { return string(p) }

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseConfigured, PhaseConnecting, PhaseConnected, PhaseDisconnected, PhaseError:
		return true
	}
	return false
}

// Live reports whether the phase describes a tunnel that should have a
// running client process behind it.
func (p Phase) Live() bool { return p == PhaseConnecting || p == PhaseConnected }

// ParsePhase converts a stored status string into a Phase.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}
