package fhir

import (
	"net/http"
	"slices"

	"github.com/damedic/fhir-toolbox-go/model/gen/r4"
)

// Issue severities.
const (
	SeverityFatal       = "fatal"
	SeverityError       = "error"
	SeverityWarning     = "warning"
	SeverityInformation = "information"
)

// Issue type codes used by the proxy.
const (
	IssueInvalid      = "invalid"
	IssueProcessing   = "processing"
	IssueNotSupported = "not-supported"
	IssueNotFound     = "not-found"
	IssueConflict     = "conflict"
	IssueTransient    = "transient"
	IssueLockError    = "lock-error"
	IssueException    = "exception"
	IssueTimeout      = "timeout"
	IssueThrottled    = "throttled"
	IssueTooLong      = "too-long"
)

// NewOperationOutcome creates an OperationOutcome with a single issue.
func NewOperationOutcome(severity, code, diagnostics string) *r4.OperationOutcome {
	return &r4.OperationOutcome{Issue: []r4.OperationOutcomeIssue{Issue(severity, code, diagnostics)}}
}

// Issue builds one outcome issue.
func Issue(severity, code, diagnostics string) r4.OperationOutcomeIssue {
	issue := r4.OperationOutcomeIssue{
		Severity: r4.Code{Value: &severity},
		Code:     r4.Code{Value: &code},
	}
	if diagnostics != "" {
		issue.Diagnostics = &r4.String{Value: &diagnostics}
	}
	return issue
}

// ParseOperationOutcome decodes a JSON OperationOutcome.
func ParseOperationOutcome(data []byte) (*r4.OperationOutcome, error) {
	o, err := Parse[r4.OperationOutcome](data, FormatJSON)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

var issueCodeToHTTPStatus = map[string]int{
	"invalid":       http.StatusBadRequest,
	"structure":     http.StatusBadRequest,
	"required":      http.StatusBadRequest,
	"value":         http.StatusBadRequest,
	"invariant":     http.StatusBadRequest,
	"security":      http.StatusForbidden,
	"login":         http.StatusUnauthorized,
	"forbidden":     http.StatusForbidden,
	"processing":    http.StatusBadRequest,
	"not-supported": http.StatusNotImplemented,
	"duplicate":     http.StatusConflict,
	"not-found":     http.StatusNotFound,
	"too-long":      http.StatusRequestEntityTooLarge,
	"code-invalid":  http.StatusBadRequest,
	"business-rule": http.StatusBadRequest,
	"conflict":      http.StatusConflict,
	"transient":     http.StatusServiceUnavailable,
	"lock-error":    http.StatusServiceUnavailable,
	"exception":     http.StatusInternalServerError,
	"timeout":       http.StatusGatewayTimeout,
	"throttled":     http.StatusTooManyRequests,
}

var severityRank = map[string]int{
	SeverityFatal:       3,
	SeverityError:       2,
	SeverityWarning:     1,
	SeverityInformation: 0,
}

// StatusForOutcome derives an HTTP status from the most severe issues.
// Issues of equal severity with different statuses collapse to their
// status class (e.g. 404 and 409 give 400).
func StatusForOutcome(o *r4.OperationOutcome) int {
	highest := -1
	var statuses []int

	for _, issue := range o.Issue {
		rank, ok := severityRank[Value(issue.Severity.Value)]
		if !ok || rank < severityRank[SeverityError] {
			continue
		}
		status, ok := issueCodeToHTTPStatus[Value(issue.Code.Value)]
		if !ok {
			continue
		}
		switch {
		case rank > highest:
			highest = rank
			statuses = []int{status}
		case rank == highest && !slices.Contains(statuses, status):
			statuses = append(statuses, status)
		}
	}

	switch len(statuses) {
	case 0:
		return http.StatusInternalServerError
	case 1:
		return statuses[0]
	default:
		return (slices.Max(statuses) / 100) * 100
	}
}
