package domain

import "time"

// PolicyType is one of the four cleanup trigger families.
type PolicyType string

const (
	PolicyTypeIdle     PolicyType = "idle"
	PolicyTypeFailed   PolicyType = "failed"
	PolicyTypeOrphaned PolicyType = "orphaned"
	PolicyTypeExpired  PolicyType = "expired"
)

// PolicyConditions holds the type-dependent thresholds for a policy.
// Only the fields relevant to Type are consulted.
type PolicyConditions struct {
	IdleMinutes      int `json:"idle_minutes,omitempty"`
	MaxLifetimeHours int `json:"max_lifetime_hours,omitempty"`
}

// PolicyActions controls what a matching policy does to a container.
type PolicyActions struct {
	ArchiveLogs     bool `json:"archive_logs"`
	StopContainer   bool `json:"stop_container"`
	RemoveContainer bool `json:"remove_container"`
	NotifyOnCleanup bool `json:"notify_on_cleanup"`
}

// PolicyStatistics accumulates per-policy lifetime counters.
type PolicyStatistics struct {
	ContainersCleanedTotal int       `json:"containers_cleaned_total"`
	LastCleanupCount       int       `json:"last_cleanup_count"`
	DiskSpaceReclaimed     int64     `json:"disk_space_reclaimed"`
	LastRun                time.Time `json:"last_run"`
}

// CleanupPolicy is a declarative sweep rule, held in memory and mirrored to
// the coordination store for hot reload across replicas.
type CleanupPolicy struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Enabled    bool             `json:"enabled"`
	Type       PolicyType       `json:"type"`
	Conditions PolicyConditions `json:"conditions"`
	Actions    PolicyActions    `json:"actions"`
	Statistics PolicyStatistics `json:"statistics"`
}

// defaultIdleMinutes returns the spec default threshold for a policy type.
func defaultIdleMinutes(t PolicyType) int {
	switch t {
	case PolicyTypeIdle:
		return 30
	case PolicyTypeFailed:
		return 10
	case PolicyTypeOrphaned:
		return 60
	default:
		return 30
	}
}

// DefaultPolicies returns the four built-in policies with the spec's
// default thresholds, all enabled.
func DefaultPolicies() []CleanupPolicy {
	return []CleanupPolicy{
		{
			ID: "idle", Name: "Idle container reclamation", Enabled: true,
			Type:       PolicyTypeIdle,
			Conditions: PolicyConditions{IdleMinutes: defaultIdleMinutes(PolicyTypeIdle)},
			Actions:    PolicyActions{ArchiveLogs: true, StopContainer: true, RemoveContainer: true, NotifyOnCleanup: true},
		},
		{
			ID: "failed", Name: "Failed container reclamation", Enabled: true,
			Type:       PolicyTypeFailed,
			Conditions: PolicyConditions{IdleMinutes: defaultIdleMinutes(PolicyTypeFailed)},
			Actions:    PolicyActions{ArchiveLogs: true, RemoveContainer: true, NotifyOnCleanup: true},
		},
		{
			ID: "orphaned", Name: "Orphaned container reclamation", Enabled: true,
			Type:       PolicyTypeOrphaned,
			Conditions: PolicyConditions{IdleMinutes: defaultIdleMinutes(PolicyTypeOrphaned)},
			Actions:    PolicyActions{RemoveContainer: true, NotifyOnCleanup: true},
		},
		{
			ID: "expired", Name: "Expired container reclamation", Enabled: true,
			Type:       PolicyTypeExpired,
			Conditions: PolicyConditions{MaxLifetimeHours: 24},
			Actions:    PolicyActions{ArchiveLogs: true, StopContainer: true, RemoveContainer: true, NotifyOnCleanup: true},
		},
	}
}

// CleanupDetail records the outcome of evaluating one policy against one
// container during a sweep.
type CleanupDetail struct {
	ContainerID string `json:"container_id"`
	PolicyID    string `json:"policy_id"`
	Action      string `json:"action"` // "removed", "stopped", "inspected", "skipped"
	Reason      string `json:"reason,omitempty"`
	Error       string `json:"error,omitempty"`
}

// CleanupResult is the audit record returned per sweep.
type CleanupResult struct {
	StartedAt          time.Time        `json:"started_at"`
	FinishedAt         time.Time        `json:"finished_at"`
	PoliciesExecuted   int              `json:"policies_executed"`
	ContainersInspected int             `json:"containers_inspected"`
	ContainersCleaned  int              `json:"containers_cleaned"`
	Errors             int              `json:"errors"`
	DiskSpaceReclaimed int64            `json:"disk_space_reclaimed"`
	Details            []CleanupDetail  `json:"details"`
}

// diskReclaimedPerContainerMiB is a nominal, documented estimate (not a real
// measurement) used to populate CleanupResult.DiskSpaceReclaimed.
const diskReclaimedPerContainerMiB int64 = 100

// DiskReclaimedEstimate returns the coarse disk estimate for n removed
// containers, in bytes.
func DiskReclaimedEstimate(removed int) int64 {
	return int64(removed) * diskReclaimedPerContainerMiB * 1024 * 1024
}
