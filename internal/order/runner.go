package order

import (
	"encoding/json"
	"time"
)

// RunnerStatus is a runner's stored liveness flag. Effective liveness is
// computed from LastHeartbeatAt, not read from this field; see
// Runner.EffectivelyOnline.
type RunnerStatus string

const (
	RunnerOnline   RunnerStatus = "ONLINE"
	RunnerOffline  RunnerStatus = "OFFLINE"
	RunnerDisabled RunnerStatus = "DISABLED"
)

// Valid reports whether s is a known runner status.
func (s RunnerStatus) Valid() bool {
	return s == RunnerOnline || s == RunnerOffline || s == RunnerDisabled
}

// LivenessWindow is how recently a runner must have heartbeated to count as
// effectively online.
const LivenessWindow = 60 * time.Second

// Runner is a remote worker agent that leases and executes orders. The
// credential is held only as a one-way hash; the cleartext token exists
// exactly once, at issuance.
type Runner struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Status          RunnerStatus    `json:"status"`
	LastHeartbeatAt *time.Time      `json:"lastHeartbeatAt,omitempty"`
	Scopes          []string        `json:"scopes"`
	Capabilities    json.RawMessage `json:"capabilities"`
	TokenHash       string          `json:"-"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// EffectivelyOnline reports whether the runner heartbeated within the
// liveness window of now. A DISABLED runner is never effectively online.
func (r *Runner) EffectivelyOnline(now time.Time) bool {
	if r.Status == RunnerDisabled || r.LastHeartbeatAt == nil {
		return false
	}
	return now.Sub(*r.LastHeartbeatAt) <= LivenessWindow
}

// Server is a target a playbook acts against. RunnerID, when set, pins
// orders for this server to that runner at creation time.
type Server struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	BaseURL   string          `json:"baseUrl"`
	RunnerID  string          `json:"runnerId,omitempty"`
	Metadata  json.RawMessage `json:"metadata"`
	Tags      []string        `json:"tags"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// PlaybookCategory groups playbooks by provenance.
type PlaybookCategory string

const (
	PlaybookBase     PlaybookCategory = "BASE"
	PlaybookStandard PlaybookCategory = "STANDARD"
	PlaybookAdvanced PlaybookCategory = "ADVANCED"
	PlaybookCustom   PlaybookCategory = "CUSTOM"
)

// RiskLevel rates the blast radius of running a playbook.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Playbook is a named, versioned work definition referenced by orders. The
// control plane treats its spec as opaque; execution is entirely the
// runner's concern.
type Playbook struct {
	ID             string           `json:"id"`
	Key            string           `json:"key"`
	Name           string           `json:"name"`
	Category       PlaybookCategory `json:"category"`
	RiskLevel      RiskLevel        `json:"riskLevel"`
	RequiresScopes []string         `json:"requiresScopes"`
	SchemaVersion  string           `json:"schemaVersion"`
	Spec           json.RawMessage  `json:"spec"`
	IsPublished    bool             `json:"isPublished"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}
