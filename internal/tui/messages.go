package tui

import (
	"github.com/fluxkompensator/postfixer/internal/model"
	"github.com/fluxkompensator/postfixer/internal/session"
)

// Async message types for Bubble Tea commands.

type snapshotMsg struct {
	snap model.Snapshot
}

// sessionDoneMsg reports that the session loop has exited.
type sessionDoneMsg struct{}

type actionResultMsg struct {
	action string // "Refresh", "Delete rule", ...
	err    error
}

type limitersLoadedMsg struct {
	action string // set when the load follows a mutation
	view   session.RateLimiterView
	err    error
}

type keyOptionsMsg struct {
	keys []string
	err  error
}

type statusMsg string
