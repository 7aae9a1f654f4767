// Package status defines the step status vocabulary and the rules for folding
// many step statuses into one.
package status

import (
	"fmt"
	"net/http"
	"strings"
)

type Status string

const (
	Pending  Status = "PENDING"
	Started  Status = "STARTED"
	Success  Status = "SUCCESS"
	Failure  Status = "FAILURE"
	Canceled Status = "CANCELED"
)

// precedence is consulted in order once a set is known not to be all-success.
var precedence = []Status{Pending, Failure, Canceled}

// Compute folds the statuses of a parallel group, or of a whole run, into one.
// An empty set is PENDING. A set of only SUCCESS is SUCCESS. Otherwise the
// first of PENDING, FAILURE, CANCELED present wins; a set holding none of
// those (for example only STARTED and SUCCESS) is STARTED.
func Compute(statuses []Status) Status {
	if len(statuses) == 0 {
		return Pending
	}

	present := make(map[Status]bool, len(statuses))
	allSuccess := true
	for _, s := range statuses {
		present[s] = true
		if s != Success {
			allSuccess = false
		}
	}
	if allSuccess {
		return Success
	}

	for _, s := range precedence {
		if present[s] {
			return s
		}
	}
	return Started
}

// ResponseCode maps a status to the HTTP code the presentation layer reports.
func ResponseCode(s Status) int {
	switch s {
	case Success:
		return http.StatusCreated
	case Failure:
		return http.StatusInternalServerError
	case Canceled:
		return http.StatusConflict
	default:
		return http.StatusAccepted
	}
}

// Terminal reports whether no further transition is expected without a restart.
func (s Status) Terminal() bool {
	return s == Success || s == Failure || s == Canceled
}

func (s Status) Valid() bool {
	switch s {
	case Pending, Started, Success, Failure, Canceled:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// Parse accepts any casing of a known status name.
func Parse(v string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("status: unknown value %q", v)
	}
	return s, nil
}
