package pipeline

import (
	"encoding/json"
	"fmt"
)

// State is a pipeline run's position in the state machine:
//
//	Received → GasChecked → RiskPending → RiskApproved | RiskRejected
//	RiskApproved → Executing → Settled | Failed
//
// Deposited is the terminal state of the plain deposit path.
type State int32

const (
	StateReceived State = iota
	StateGasChecked
	StateRiskPending
	StateRiskApproved
	StateRiskRejected
	StateExecuting
	StateSettled
	StateFailed
	StateDeposited
)

var stateNames = map[State]string{
	StateReceived:     "Received",
	StateGasChecked:   "GasChecked",
	StateRiskPending:  "RiskPending",
	StateRiskApproved: "RiskApproved",
	StateRiskRejected: "RiskRejected",
	StateExecuting:    "Executing",
	StateSettled:      "Settled",
	StateFailed:       "Failed",
	StateDeposited:    "Deposited",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	switch s {
	case StateRiskRejected, StateSettled, StateFailed, StateDeposited:
		return true
	}
	return false
}

// ParseState is the inverse of String.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
