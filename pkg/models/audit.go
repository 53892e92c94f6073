package models

import "time"

// Step outcomes recorded in the provisioning journal.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// StepRecord is one journaled provisioning step.
type StepRecord struct {
	ID            int64     `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Operation     string    `json:"operation"`
	EnvironmentID int64     `json:"environment_id"`
	Step          string    `json:"step"`
	Outcome       string    `json:"outcome"`
	Detail        string    `json:"detail,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// EnvironmentStatus is the result of inspecting one environment against the
// secret backend.
type EnvironmentStatus struct {
	EnvironmentID      int64  `json:"environment_id"`
	Path               string `json:"path"`
	Policy             string `json:"policy"`
	PolicyPresent      bool   `json:"policy_present"`
	PolicyCurrent      bool   `json:"policy_current"`
	AccessorRegistered bool   `json:"accessor_registered"`
	SecretCount        int    `json:"secret_count"`
}
