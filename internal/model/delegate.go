package model

import (
	"slices"
	"strings"
	"time"
)

// DelegateStatus marks whether a delegate record is still in use.
type DelegateStatus string

const (
	DelegateEnabled DelegateStatus = "ENABLED"
	DelegateDeleted DelegateStatus = "DELETED"
)

// Delegate is a remote worker process.
type Delegate struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	HostName  string `json:"host_name"`
	IP        string `json:"ip,omitempty"`
	// GroupName is empty for delegates that are not part of a group.
	GroupName    string         `json:"group_name,omitempty"`
	Version      string         `json:"version,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Status       DelegateStatus `json:"status"`

	RegisteredAt    time.Time `json:"registered_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	// Disconnected is only set by the disconnect detector and cleared by a heartbeat.
	Disconnected bool `json:"disconnected"`
}

// Satisfies reports whether the delegate declares every required capability tag.
func (d *Delegate) Satisfies(required []string) bool {
	for _, c := range required {
		if !slices.Contains(d.Capabilities, c) {
			return false
		}
	}
	return true
}

// Connected reports whether the delegate is not flagged disconnected and has
// heartbeated within timeout of now.
func (d *Delegate) Connected(now time.Time, timeout time.Duration) bool {
	if d.Disconnected || d.Status == DelegateDeleted {
		return false
	}
	return now.Sub(d.LastHeartbeatAt) <= timeout
}

// PerpetualState is the assignment state of a perpetual task.
type PerpetualState string

const (
	PerpetualAssigned   PerpetualState = "ASSIGNED"
	PerpetualUnassigned PerpetualState = "UNASSIGNED"
)

// PerpetualTask is a long-lived background subscription owned by one delegate at a time.
type PerpetualTask struct {
	ID         string         `json:"id"`
	AccountID  string         `json:"account_id"`
	DelegateID string         `json:"delegate_id,omitempty"`
	TaskType   string         `json:"task_type,omitempty"`
	State      PerpetualState `json:"state"`
	AssignedAt time.Time      `json:"assigned_at"`
}

// AlertType names a class of alert.
type AlertType string

// AlertDelegatesDown is raised when a delegate, or every member of a delegate group, is disconnected.
const AlertDelegatesDown AlertType = "DelegatesDown"

// DelegatesDown is the payload of an AlertDelegatesDown alert.
type DelegatesDown struct {
	AccountID    string `json:"account_id"`
	HostName     string `json:"host_name,omitempty"`
	ObfuscatedIP string `json:"obfuscated_ip,omitempty"`
	GroupName    string `json:"group_name,omitempty"`
}

// Scope returns the alert scope: one alert per group, or per host when ungrouped.
func (p DelegatesDown) Scope() string {
	if p.GroupName != "" {
		return "group:" + p.GroupName
	}
	return "host:" + p.HostName
}

// Alert is an open notification.
type Alert struct {
	ID        string        `json:"id"`
	AccountID string        `json:"account_id"`
	Type      AlertType     `json:"type"`
	Scope     string        `json:"scope"`
	Payload   DelegatesDown `json:"payload"`
	OpenedAt  time.Time     `json:"opened_at"`
}

// ObfuscateIP masks the host part of an address, keeping the first and last octets.
func ObfuscateIP(ip string) string {
	if ip == "" {
		return ""
	}
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return "***"
	}
	return parts[0] + ".***.***." + parts[3]
}
