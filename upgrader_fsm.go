package hotswap

import "fmt"

// upgraderState represents a small finite state machine. It has the following
// transitions:
// ∅            → Init
// Init         → Receiving
// Init         → Owner
// Receiving    → Owner
// Owner        → Transferring
// Transferring → Owner
// Transferring → Draining
//
// The meaning of each state is described above the state's definition below.
// There is no resumable partial state: a failed handoff returns to Owner, and
// retrying the whole operation is the caller's business.
type upgraderState string

const (
	// Init is the initial state, before the process has either inherited
	// descriptors or declared itself ready.
	upgraderStateInit upgraderState = "init"
	// Receiving is the state of an incoming process waiting on the well-known
	// path for the outgoing process's descriptors.
	upgraderStateReceiving upgraderState = "receiving"
	// Owner is the state of a process that holds the descriptors and serves
	// traffic on them.
	upgraderStateOwner upgraderState = "owner"
	// Transferring is the state of an outgoing process that is sending its
	// descriptors to a successor but hasn't completed the transfer.
	upgraderStateTransferring upgraderState = "transferring"
	// Draining is the state of a process after a successor has taken its
	// descriptors; it may finish in-flight work but owns no sockets.
	upgraderStateDraining upgraderState = "draining"
	// Stopped is the terminal state.
	upgraderStateStopped upgraderState = "stopped"
)

var validTransitions = map[upgraderState][]upgraderState{
	upgraderStateInit: {
		upgraderStateReceiving,
		upgraderStateOwner,
		upgraderStateStopped,
	},
	upgraderStateReceiving: {
		upgraderStateOwner,
		upgraderStateStopped,
	},
	upgraderStateOwner: {
		upgraderStateTransferring,
		upgraderStateStopped,
	},
	upgraderStateTransferring: {
		upgraderStateOwner,
		upgraderStateDraining,
		upgraderStateStopped,
	},
	upgraderStateDraining: {
		upgraderStateDraining,
		upgraderStateStopped,
	},
	upgraderStateStopped: {
		upgraderStateStopped,
	},
}

func (u *upgraderState) canTransitionTo(state upgraderState) error {
	for _, target := range validTransitions[*u] {
		if target == state {
			return nil
		}
	}
	return fmt.Errorf("unable to transition from %s to %s", *u, state)
}

func (u *upgraderState) transitionTo(state upgraderState) error {
	if err := u.canTransitionTo(state); err != nil {
		return err
	}
	*u = state
	return nil
}
