package appointment

import (
	"errors"
	"fmt"
)

var (
	ErrPatientNotFound            = errors.New("patient not found")
	ErrPractitionerNotFound       = errors.New("practitioner not found")
	ErrPractitionerNotSchedulable = errors.New("practitioner cannot hold appointments")
	ErrAppointmentNotFound        = errors.New("appointment not found")

	ErrSchedulingConflict      = errors.New("the practitioner already has an appointment in this slot")
	ErrInvalidInterval         = errors.New("end time must be after start time")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrNotReschedulable        = errors.New("appointment can no longer be rescheduled")
	ErrEmptyUpdate             = errors.New("update contains no fields")
	ErrInvalidStatus           = errors.New("unknown appointment status")

	// ErrAppointmentChanged is returned by conditional writes when the row no
	// longer matches what the caller read.
	ErrAppointmentChanged = errors.New("appointment was changed concurrently")
)

// domainErrors pass through the storage wrapping untouched.
var domainErrors = []error{
	ErrPatientNotFound,
	ErrPractitionerNotFound,
	ErrPractitionerNotSchedulable,
	ErrAppointmentNotFound,
	ErrSchedulingConflict,
	ErrInvalidInterval,
	ErrInvalidStatusTransition,
	ErrNotReschedulable,
	ErrEmptyUpdate,
	ErrInvalidStatus,
	ErrAppointmentChanged,
}

// StorageError marks a failure of the appointment store itself
// (connection loss, timeout). Reads that fail this way are safe to retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	for _, de := range domainErrors {
		if errors.Is(err, de) {
			return err
		}
	}
	return &StorageError{Op: op, Err: err}
}
