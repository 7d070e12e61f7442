package queue

import (
	"github.com/dive-control/dcs/internal/protocol"
	"github.com/dive-control/dcs/internal/store"
)

// transitions is the complete lifecycle table. Self-transitions are
// always legal so that at-least-once retries collapse into no-ops.
var transitions = map[store.CommandStatus][]store.CommandStatus{
	store.StatusQueued: {
		store.StatusIssued,
		store.StatusExecuting,
		store.StatusCanceled,
		store.StatusExpired,
	},
	store.StatusIssued: {
		store.StatusExecuting,
		store.StatusCanceled,
		store.StatusExpired,
		// A terminal ascent report can land while the server still has
		// the command at ISSUED (the descent confirmation was absorbed
		// by the idempotency cache but its response never reached us).
		store.StatusCompleted,
		store.StatusError,
	},
	store.StatusExecuting: {
		store.StatusCompleted,
		store.StatusError,
		store.StatusCanceled,
		// IDLE fallback from the ascent report hands the command back.
		store.StatusIssued,
	},
	// Terminal states admit only self-transitions.
	store.StatusCompleted: {},
	store.StatusCanceled:  {},
	store.StatusError:     {},
	store.StatusExpired:   {},
}

// CanTransition reports whether from → to is a legal lifecycle move.
func CanTransition(from, to store.CommandStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MapAscentStatus maps a vehicle's reported execution status to the
// command lifecycle status an ascent report drives it toward.
// RUNNING maps to EXECUTING (a no-op for a command already executing);
// IDLE hands the command back to ISSUED so a vehicle that reported
// before starting does not strand it.
func MapAscentStatus(s protocol.ExecStatus) store.CommandStatus {
	switch s {
	case protocol.ExecDone:
		return store.StatusCompleted
	case protocol.ExecError:
		return store.StatusError
	case protocol.ExecAborted:
		return store.StatusCanceled
	case protocol.ExecRunning:
		return store.StatusExecuting
	default: // IDLE
		return store.StatusIssued
	}
}
