package engine

import "time"

// Direction identifies which loop is currently syncing.
type Direction string

const (
	DirectionPull Direction = "pull"
	DirectionPush Direction = "push"
)

// StatusKind is the engine's coarse state: idle, syncing{direction}, or
// error{error, retryAt, lastSuccessAt}.
type StatusKind string

const (
	StatusIdle    StatusKind = "idle"
	StatusSyncing StatusKind = "syncing"
	StatusError   StatusKind = "error"
)

// Status is the engine's current observable state.
type Status struct {
	Kind          StatusKind
	Direction     Direction // meaningful only when Kind == StatusSyncing
	Err           error     // meaningful only when Kind == StatusError
	RetryAt       time.Time // meaningful only when Kind == StatusError
	LastSuccessAt time.Time // preserved across error transitions
}

// Observer receives every status transition.
type Observer func(Status)
