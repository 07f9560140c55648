package fhir

import (
	"net/http"
	"strconv"

	"github.com/fhirdhis/adapter/internal/platform/syncerr"
)

// OperationOutcome severity levels per FHIR R4 spec.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes per FHIR R4 spec.
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeNotFound     = "not-found"
	IssueTypeConflict     = "conflict"
	IssueTypeProcessing   = "processing"
	IssueTypeNotSupported = "not-supported"
	IssueTypeBusinessRule = "business-rule"
	IssueTypeException    = "exception"
	IssueTypeTransient    = "transient"
)

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, resourceType+"/"+id+" not found")
}

// NotSupportedOutcome creates an OperationOutcome for unsupported operations.
func NotSupportedOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotSupported, diagnostics)
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// OutcomeForError maps a classified error to an HTTP status and outcome.
//
//	data      422 business-rule
//	mapping   422 processing
//	technical 503 transient
//	retry     503 transient
//	fatal     500 exception
func OutcomeForError(err error) (int, *OperationOutcome) {
	msg := err.Error()
	switch syncerr.KindOf(err) {
	case syncerr.KindData:
		return http.StatusUnprocessableEntity, NewOperationOutcome(IssueSeverityError, IssueTypeBusinessRule, msg)
	case syncerr.KindMapping:
		return http.StatusUnprocessableEntity, NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, msg)
	case syncerr.KindTechnical, syncerr.KindRetry:
		return http.StatusServiceUnavailable, NewOperationOutcome(IssueSeverityError, IssueTypeTransient, msg)
	default:
		return http.StatusInternalServerError, NewOperationOutcome(IssueSeverityFatal, IssueTypeException, msg)
	}
}

// StatusLine formats an HTTP status as used in bundle entry responses,
// e.g. "201 Created".
func StatusLine(code int) string {
	return strconv.Itoa(code) + " " + http.StatusText(code)
}
