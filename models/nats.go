package models

// ReportedState is published every time a node reports its LED state.
type ReportedState struct {
	Addr      string `json:"addr"`
	Timestamp int64  `json:"timestamp"`
	State     RGB    `json:"state"`
}
