package models

// Reserved state names of a compiled machine.
const (
	StateIdle      = "idle"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Machine events.
const (
	MachineEventSuccess = "success"
	MachineEventError   = "error"
)

// TransitionActionAppendError records the failing error on the execution.
const TransitionActionAppendError = "append_error"

// StateKind describes what a machine state stands for.
type StateKind string

const (
	StateKindIdle      StateKind = "idle"
	StateKindTrigger   StateKind = "trigger"
	StateKindAction    StateKind = "action"
	StateKindCondition StateKind = "condition"
	StateKindFinal     StateKind = "final"
)

// StateMachine is derived from a workflow graph and never edited by hand.
type StateMachine struct {
	ID      string                   `json:"id"`
	Initial string                   `json:"initial"`
	States  map[string]*MachineState `json:"states"`
}

// MachineState is one state of a compiled workflow.
type MachineState struct {
	Name      string      `json:"name"`
	NodeID    string      `json:"node_id,omitempty"`
	Kind      StateKind   `json:"kind"`
	OnSuccess *Transition `json:"on_success,omitempty"`
	OnError   *Transition `json:"on_error,omitempty"`
	Branches  []Branch    `json:"branches,omitempty"`
	Default   string      `json:"default,omitempty"`
	Final     bool        `json:"final,omitempty"`
}

// Transition moves the machine to Target, running Actions on the way.
type Transition struct {
	Target  string   `json:"target"`
	Actions []string `json:"actions,omitempty"`
}

// Branch is a labelled transition used by the idle and condition states.
type Branch struct {
	Label  string `json:"label"`
	Target string `json:"target"`
}

// Next resolves the state reached from state on event. For idle and condition
// states event is a branch label; condition states fall back to Default.
func (m *StateMachine) Next(state, event string) (string, bool) {
	if m == nil {
		return "", false
	}

	st, ok := m.States[state]
	if !ok || st.Final {
		return "", false
	}

	switch event {
	case MachineEventSuccess:
		if st.OnSuccess != nil {
			return st.OnSuccess.Target, true
		}
	case MachineEventError:
		if st.OnError != nil {
			return st.OnError.Target, true
		}
	}

	for _, b := range st.Branches {
		if b.Label == event {
			return b.Target, true
		}
	}

	if st.Default != "" {
		return st.Default, true
	}

	return "", false
}
