// SPDX-License-Identifier: MIT

package model

import (
	"errors"
	"fmt"
	"strings"
)

// ReasonCode is a compact, typed failure signal carried from the point of
// failure up to the fail RPC.
type ReasonCode string

const (
	RNone         ReasonCode = "R_NONE"
	RUnknown      ReasonCode = "R_UNKNOWN"
	RNotFound     ReasonCode = "R_NOT_FOUND"
	RIO           ReasonCode = "R_IO"
	RLeaseLost    ReasonCode = "R_LEASE_LOST"
	RAudioDecode  ReasonCode = "R_AUDIO_DECODE"
	RDecode       ReasonCode = "R_DECODE"
	RMerge        ReasonCode = "R_MERGE"
	RExternalTool ReasonCode = "R_EXTERNAL_TOOL"
	RCancelled    ReasonCode = "R_CANCELLED"
)

// Retryable reports whether the coordinator should re-dispatch a job that
// failed with this reason.
func (r ReasonCode) Retryable() bool {
	switch r {
	case RIO, RDecode:
		return true
	default:
		return false
	}
}

// ReasonError attaches a ReasonCode and a short operator-facing detail to an
// underlying error.
type ReasonError struct {
	Reason ReasonCode
	Detail string
	Err    error
}

func (e *ReasonError) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	default:
		return string(e.Reason)
	}
}

func (e *ReasonError) Unwrap() error { return e.Err }

// NewReasonError builds a ReasonError. Detail is sanitized to a single line
// because it ends up in the job record's failure_reason.
func NewReasonError(reason ReasonCode, detail string, err error) *ReasonError {
	return &ReasonError{
		Reason: reason,
		Detail: strings.Join(strings.Fields(detail), " "),
		Err:    err,
	}
}

// ClassifyReason extracts the ReasonCode from an error chain. Unclassified
// errors map to R_UNKNOWN (non-retryable).
func ClassifyReason(err error) (ReasonCode, string) {
	var re *ReasonError
	if errors.As(err, &re) {
		detail := re.Detail
		if detail == "" && re.Err != nil {
			detail = strings.Join(strings.Fields(re.Err.Error()), " ")
		}
		return re.Reason, detail
	}
	if err == nil {
		return RNone, ""
	}
	return RUnknown, strings.Join(strings.Fields(err.Error()), " ")
}
