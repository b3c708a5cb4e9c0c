package model

// Reason classifies a failed refresh.
type Reason string

const (
	ReasonNoNetwork  Reason = "no-network"
	ReasonConnection Reason = "connection"
	ReasonMalformed  Reason = "malformed"
	ReasonCanceled   Reason = "canceled"
	// Preferences could not be read
	ReasonConfig Reason = "config"
)

// RefreshResult is the outcome of one refresh. Exactly one of the success
// fields (Network, AllStations, FavoriteStations) or the failure fields
// (Reason, Err) is meaningful; Err is nil on success.
type RefreshResult struct {
	Network *BikeNetwork
	// Sorted by SortKey
	AllStations Stations
	// Subsequence of AllStations
	FavoriteStations Stations

	Reason Reason
	Err    error
}

func Success(network *BikeNetwork, all, favorites Stations) RefreshResult {
	return RefreshResult{
		Network:          network,
		AllStations:      all,
		FavoriteStations: favorites,
	}
}

func Failure(reason Reason, err error) RefreshResult {
	return RefreshResult{
		Reason: reason,
		Err:    err,
	}
}

func (r RefreshResult) OK() bool {
	return r.Err == nil
}
