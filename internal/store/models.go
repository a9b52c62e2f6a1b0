package store

import (
	"encoding/json"
	"time"
)

// Registration records an instrument allowed to run the firmware.
type Registration struct {
	SerialNumber string    `json:"serial_number"`
	Owner        string    `json:"owner,omitempty"`
	Model        string    `json:"model,omitempty"`
	Note         string    `json:"note,omitempty"`
	Revoked      bool      `json:"revoked"`
	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ArchivedScript is a library script kept as a codec blob.
type ArchivedScript struct {
	Name       string    `json:"name"`
	Title      string    `json:"title,omitempty"`
	Version    string    `json:"version,omitempty"`
	Latest     string    `json:"latest,omitempty"`
	Role       string    `json:"role,omitempty"`
	VersionVar string    `json:"version_var,omitempty"`
	Encoding   string    `json:"encoding"` // codec.TransformFlags text form
	Blob       string    `json:"blob"`
	Size       int       `json:"size"` // decoded source length
	ArchivedAt time.Time `json:"archived_at"`
}

// Report is the last firmware verdict seen for a serial number.
type Report struct {
	SerialNumber string          `json:"serial_number"`
	Node         string          `json:"node"`
	Verdict      string          `json:"verdict"`
	Info         json.RawMessage `json:"info"`
	ReportedAt   time.Time       `json:"reported_at"`
}
