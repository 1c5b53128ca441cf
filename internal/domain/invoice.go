// Package domain holds the entity model for the intake core. Entities are
// plain structs; persistence and behavior live in their own packages.
package domain

import "time"

// Source identifies how a document entered the system.
type Source string

const (
	SourceUpload Source = "upload"
	SourceEmail  Source = "email"
	SourceAPI    Source = "api"
)

// InvoiceState is a node in the per-invoice workflow lifecycle.
type InvoiceState string

const (
	StateReceived  InvoiceState = "received"
	StateParsed    InvoiceState = "parsed"
	StateValidated InvoiceState = "validated"
	StateReady     InvoiceState = "ready"
	StateException InvoiceState = "exception"
	StateApproved  InvoiceState = "approved"
	StateStaged    InvoiceState = "staged"
	StatePosted    InvoiceState = "posted"
	StateDone      InvoiceState = "done"
	StateRejected  InvoiceState = "rejected"
	StateCancelled InvoiceState = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s InvoiceState) Terminal() bool {
	switch s {
	case StateDone, StateRejected, StateCancelled:
		return true
	}
	return false
}

// transitions is the full lifecycle graph. A state change is legal iff the
// target appears in the source's entry; everything else is a Conflict.
var transitions = map[InvoiceState][]InvoiceState{
	StateReceived:  {StateParsed, StateRejected, StateCancelled},
	StateParsed:    {StateValidated, StateCancelled},
	StateValidated: {StateReady, StateException, StateCancelled},
	StateException: {StateReady, StateRejected, StateCancelled},
	StateReady:     {StateApproved, StateRejected, StateCancelled},
	StateApproved:  {StateStaged, StateRejected, StateCancelled},
	StateStaged:    {StatePosted, StateCancelled},
	StatePosted:    {StateDone, StateRejected},
}

// CanTransition reports whether from → to is a valid lifecycle edge.
func CanTransition(from, to InvoiceState) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Invoice is a submitted document under processing.
type Invoice struct {
	ID           string
	ContentHash  string // SHA-256 of the original bytes
	Submitter    string
	Source       Source
	StorageRef   string
	State        InvoiceState
	Archived     bool // soft-archive; invoices are never deleted
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Version      int64 // bumped on every mutation
}
