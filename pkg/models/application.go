package models

import "time"

// Application is the top-level namespace for environments. Its Code is the
// first segment of every secret path below it.
type Application struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Environment is a deployment context of an application owning one secret
// path, one policy and at most one live token.
type Environment struct {
	ID            int64     `json:"id"`
	ApplicationID int64     `json:"application_id"`
	Type          string    `json:"type"`
	Code          string    `json:"code"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Path is derived from the application code and Code; never persisted.
	Path string `json:"path,omitempty"`
	// Accessor is filled from the accessor registry on reads; never persisted
	// on the environment row.
	Accessor string `json:"accessor,omitempty"`
}

// Property is one secret key/value pair under an environment path. It is
// materialized from the backend on demand; ID is the 1-based list position
// and is not stable across backend list reordering.
type Property struct {
	ID            int    `json:"id"`
	EnvironmentID int64  `json:"environment_id"`
	Key           string `json:"key"`
	Value         string `json:"value"`
	// Placeholder is set when the value could not be read and Value holds the
	// key name instead.
	Placeholder bool `json:"placeholder,omitempty"`
}
