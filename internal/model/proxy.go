// Package model defines types shared between the gateway and its collaborators.
package model

// Stats is the counter sink the gateway reports request outcomes to.
// Implementations must be safe for concurrent use.
type Stats interface {
	IncrementRequestCount()
	IncrementResponseCount()
	IncrementStatusCount(code int)
	IncrementRequestErrorCount()
	IncrementResponseErrorCount()
}

// StatsSnapshot is the point-in-time view of the gateway counters.
type StatsSnapshot struct {
	Requests          uint64            `json:"requests"`
	Responses         uint64            `json:"responses"`
	RequestErrors     uint64            `json:"treqErrors"`
	ResponseErrors    uint64            `json:"tresErrors"`
	StatusCodes       map[string]uint64 `json:"statusCodes"`
	ActiveConnections int64             `json:"connections"`
}

// ErrorBody is the JSON body returned for errors raised by the gateway itself.
type ErrorBody struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// NopStats discards every count.
type NopStats struct{}

func (NopStats) IncrementRequestCount()       {}
func (NopStats) IncrementResponseCount()      {}
func (NopStats) IncrementStatusCount(int)     {}
func (NopStats) IncrementRequestErrorCount()  {}
func (NopStats) IncrementResponseErrorCount() {}
