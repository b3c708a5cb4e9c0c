package refresh

import (
	"time"

	"go.lepak.sg/bikeshare-backend/model"
)

// State of the controller worker. A refresh goes
// Idle -> Fetching -> Publishing or Failed -> Idle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StatePublishing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StatePublishing:
		return "publishing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Snapshot is the last published network. It is replaced as a whole and
// must be treated as read-only by everyone holding it.
type Snapshot struct {
	Network *model.BikeNetwork
	// Sorted
	All model.Stations
	// Subsequence of All
	Favorites model.Stations
	UpdatedAt time.Time
}

// Sink is a presentation surface receiving refresh events. Sinks are called
// from the Dispatch hook and must not call Controller.ToggleFavorite
// synchronously from there.
type Sink interface {
	OnRefreshStart()
	OnRefreshResult(model.RefreshResult)
}

// SinkFuncs adapts plain functions to Sink. Nil fields are skipped.
type SinkFuncs struct {
	Start  func()
	Result func(model.RefreshResult)
}

func (f SinkFuncs) OnRefreshStart() {
	if f.Start != nil {
		f.Start()
	}
}

func (f SinkFuncs) OnRefreshResult(r model.RefreshResult) {
	if f.Result != nil {
		f.Result(r)
	}
}
