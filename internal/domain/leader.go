package domain

// LeaderLockValue is the JSON schema stored at the coordination-store lock
// key. Unknown fields are treated as opaque by consumers.
type LeaderLockValue struct {
	NodeID        string `json:"node_id"`
	Timestamp     int64  `json:"timestamp"`
	PID           int32  `json:"pid"`
	RenewalCount  int64  `json:"renewal_count,omitempty"`
}

// LeadershipEvent is one of the observable leader-election transitions.
type LeadershipEvent string

const (
	EventAcquired LeadershipEvent = "acquired"
	EventRenewed  LeadershipEvent = "renewed"
	EventLost     LeadershipEvent = "lost"
	EventChanged  LeadershipEvent = "changed"
	EventVacant   LeadershipEvent = "vacant"
	EventError    LeadershipEvent = "error"
)
