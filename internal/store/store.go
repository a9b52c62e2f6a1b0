package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Registration operations
	SaveRegistration(reg *Registration) error
	GetRegistration(serial string) (*Registration, error)
	DeleteRegistration(serial string) error
	ListRegistrations() ([]*Registration, error)

	// UpdateRegistration atomically reads, modifies, and saves a registration
	// in a single transaction. Returns ErrNotFound if it does not exist.
	UpdateRegistration(serial string, fn func(reg *Registration) error) error

	// Script archive
	PutScript(s *ArchivedScript) error
	GetScript(name string) (*ArchivedScript, error)
	DeleteScript(name string) error
	ListScripts() ([]*ArchivedScript, error)

	// Last firmware report per serial number
	SaveReport(r *Report) error
	GetReport(serial string) (*Report, error)

	// Close the store
	Close() error
}
