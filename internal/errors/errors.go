// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCampaignNotFound is returned when a campaign id does not resolve.
type ErrCampaignNotFound struct {
	CampaignID string
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %s not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id string) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

type ErrEnrollmentNotFound struct {
	EnrollmentID string
}

func (e *ErrEnrollmentNotFound) Error() string {
	return fmt.Sprintf("enrollment with ID %s not found", e.EnrollmentID)
}

func NewEnrollmentNotFound(id string) error {
	return &ErrEnrollmentNotFound{EnrollmentID: id}
}

type ErrContactNotFound struct {
	ContactID string
}

func (e *ErrContactNotFound) Error() string {
	return fmt.Sprintf("contact with ID %s not found", e.ContactID)
}

func NewContactNotFound(id string) error {
	return &ErrContactNotFound{ContactID: id}
}

// ErrInvalidFlow lists every problem found while validating a campaign's step graph.
type ErrInvalidFlow struct {
	CampaignID string
	Problems   []string
}

func (e *ErrInvalidFlow) Error() string {
	return fmt.Sprintf("campaign %s has an invalid step flow: %s", e.CampaignID, strings.Join(e.Problems, "; "))
}

var (
	ErrCampaignNotActive  = errors.New("campaign is not active")
	ErrAlreadyEnrolled    = errors.New("contact is already enrolled in campaign")
	ErrEnrollmentTerminal = errors.New("enrollment is completed or cancelled")
	ErrInvalidTransition  = errors.New("status transition not allowed")
	ErrNotBroadcast       = errors.New("campaign is not a broadcast campaign")
	ErrClaimLost          = errors.New("enrollment claim lost before the advance was persisted")
	ErrChannelUnavailable = errors.New("no outbound channel configured for campaign type")
	ErrUnsupportedMessage = errors.New("unsupported message content")
	ErrStateChanged       = errors.New("record changed concurrently")
)

// IsNotFound reports whether err is one of the not-found errors.
func IsNotFound(err error) bool {
	var c *ErrCampaignNotFound
	var e *ErrEnrollmentNotFound
	var ct *ErrContactNotFound
	return errors.As(err, &c) || errors.As(err, &e) || errors.As(err, &ct)
}

// IsValidation reports whether err is a non-retryable caller error.
func IsValidation(err error) bool {
	var flow *ErrInvalidFlow
	switch {
	case IsNotFound(err), errors.As(err, &flow):
		return true
	case errors.Is(err, ErrCampaignNotActive),
		errors.Is(err, ErrAlreadyEnrolled),
		errors.Is(err, ErrEnrollmentTerminal),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrNotBroadcast),
		errors.Is(err, ErrUnsupportedMessage):
		return true
	}
	return false
}
