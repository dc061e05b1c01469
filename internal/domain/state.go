package domain

// State is the single authoritative lifecycle state of a review. A review is
// in exactly one state at any time; the engine is the only writer.
type State string

const (
	StatePendingGenuineness      State = "PENDING_GENUINENESS"
	StateRejectedFake            State = "REJECTED_FAKE"
	StatePendingResponseApproval State = "PENDING_RESPONSE_APPROVAL"
	StateResponseRejected        State = "RESPONSE_REJECTED"
	StateResponseApproved        State = "RESPONSE_APPROVED"
	StatePostFailed              State = "POST_FAILED"
	StatePosted                  State = "POSTED"
	StateFailed                  State = "FAILED"
)

// transitions is the full legal edge set. Anything not listed is illegal and
// must surface as ErrInvalidStateTransition, never be auto-corrected.
var transitions = map[State][]State{
	StatePendingGenuineness:      {StateRejectedFake, StatePendingResponseApproval},
	StatePendingResponseApproval: {StateResponseRejected, StateResponseApproved},
	StateResponseApproved:        {StatePosted, StatePostFailed},
	StatePostFailed:              {StateResponseApproved, StateFailed},
}

// CanTransition reports whether from -> to is a legal edge.
func (s State) CanTransition(to State) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no edges leave s.
func (s State) Terminal() bool { return len(transitions[s]) == 0 }

// Valid reports whether s is one of the known lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StatePendingGenuineness, StateRejectedFake, StatePendingResponseApproval,
		StateResponseRejected, StateResponseApproved, StatePostFailed, StatePosted, StateFailed:
		return true
	}
	return false
}

// PastGenuineness reports whether s is beyond the genuineness gate, i.e. an
// admin has confirmed the review as genuine. Only such reviews may appear in
// analytics.
func (s State) PastGenuineness() bool {
	switch s {
	case StatePendingResponseApproval, StateResponseRejected, StateResponseApproved,
		StatePostFailed, StatePosted, StateFailed:
		return true
	}
	return false
}

// ResponseDecided reports whether s carries a settled response decision.
func (s State) ResponseDecided() bool {
	switch s {
	case StateResponseApproved, StatePostFailed, StatePosted, StateFailed, StateResponseRejected:
		return true
	}
	return false
}

// AllStates lists every lifecycle state, in pipeline order.
func AllStates() []State {
	return []State{
		StatePendingGenuineness,
		StateRejectedFake,
		StatePendingResponseApproval,
		StateResponseRejected,
		StateResponseApproved,
		StatePostFailed,
		StatePosted,
		StateFailed,
	}
}
