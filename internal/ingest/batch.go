package ingest

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirdhis/adapter/internal/platform/fhir"
	"github.com/fhirdhis/adapter/internal/platform/remote"
	"github.com/fhirdhis/adapter/internal/rule"
	"github.com/fhirdhis/adapter/internal/transform"
	"github.com/fhirdhis/adapter/pkg/resource"
)

const fhirJSON = "application/fhir+json"

// BatchHandler accepts FHIR batch bundles and runs every entry through the
// orchestrator towards DHIS2. Entries are independent: one failing entry
// does not affect the others.
type BatchHandler struct {
	proc    Processor
	target  remote.ResourceClient
	version string
	logger  zerolog.Logger
}

func NewBatchHandler(proc Processor, target remote.ResourceClient, version string, logger zerolog.Logger) *BatchHandler {
	if version == "" {
		version = "R4"
	}
	return &BatchHandler{
		proc:    proc,
		target:  target,
		version: version,
		logger:  logger.With().Str("component", "batch").Logger(),
	}
}

// RegisterRoutes registers POST on the group root.
func (h *BatchHandler) RegisterRoutes(g *echo.Group) {
	g.POST("", h.Batch)
}

func (h *BatchHandler) Batch(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return h.outcome(c, http.StatusBadRequest, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, "unreadable body"))
	}
	var bundle fhir.Bundle
	if err := json.Unmarshal(body, &bundle); err != nil || bundle.ResourceType != "Bundle" {
		return h.outcome(c, http.StatusBadRequest, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, "request body is not a Bundle"))
	}
	switch bundle.Type {
	case "batch":
	case "transaction":
		return h.outcome(c, http.StatusBadRequest, fhir.NotSupportedOutcome("transaction bundles are not supported, use batch"))
	default:
		return h.outcome(c, http.StatusBadRequest, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, "unexpected bundle type "+bundle.Type))
	}

	entries := make([]fhir.BundleEntry, 0, len(bundle.Entry))
	for _, e := range bundle.Entry {
		entries = append(entries, fhir.BundleEntry{Response: h.entry(c, e)})
	}
	c.Response().Header().Set(echo.HeaderContentType, fhirJSON)
	return c.JSON(http.StatusOK, fhir.NewBatchResponse(entries))
}

func entryResponse(status int, location string, oo *fhir.OperationOutcome) *fhir.BundleResponse {
	r := &fhir.BundleResponse{Status: fhir.StatusLine(status), Location: location}
	if oo != nil {
		r.Outcome = oo
	}
	return r
}

func invalid(msg string) *fhir.BundleResponse {
	return entryResponse(http.StatusBadRequest, "", fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, msg))
}

func (h *BatchHandler) entry(c echo.Context, e fhir.BundleEntry) *fhir.BundleResponse {
	method, typ, id, conditional := fhir.EntryTarget(e)
	if method == "" {
		return invalid("entry has no request")
	}
	if f := fhir.ConditionalField(e); f != "" {
		if f == "ifMatch" {
			return entryResponse(http.StatusPreconditionFailed, "", fhir.NotSupportedOutcome("ifMatch is not supported"))
		}
		return entryResponse(http.StatusBadRequest, "", fhir.NotSupportedOutcome(f+" is not supported"))
	}
	if conditional {
		return entryResponse(http.StatusBadRequest, "", fhir.NotSupportedOutcome("conditional requests are not supported"))
	}
	if typ == "" {
		return invalid("entry request has no resource type")
	}

	var req transform.Request
	switch method {
	case http.MethodPost, http.MethodPut:
		res, err := resource.Parse(e.Resource)
		if err != nil {
			return invalid("entry resource: " + err.Error())
		}
		if res.Type() != typ {
			return invalid("resource type " + res.Type() + " does not match request URL " + typ)
		}
		if method == http.MethodPut {
			if id == "" {
				return invalid("PUT requires Type/id")
			}
			if res.ID() != "" && res.ID() != id {
				return invalid("resource id " + res.ID() + " does not match request URL " + id)
			}
		} else if id != "" {
			return invalid("POST must not carry an id")
		} else {
			id = res.ID()
		}
		if id == "" {
			id = strings.TrimPrefix(e.FullURL, "urn:uuid:")
			if id == e.FullURL {
				id = uuid.NewString()
			}
		}
		res.Set(id, "id")
		req = transform.NewRequestFor(rule.FHIRToDHIS, res)
	case http.MethodDelete:
		if id == "" {
			return invalid("DELETE requires Type/id")
		}
		req = transform.NewRequest(rule.FHIRToDHIS, resource.Ref{Type: typ, ID: id}).AsDelete()
	default:
		return entryResponse(http.StatusBadRequest, "", fhir.NotSupportedOutcome("method "+method+" is not supported"))
	}

	req = req.WithClients(nil, h.target).
		WithVersion(h.version).
		WithOrigin(transform.OriginBatch)
	ref := req.Ref()
	log := h.logger.With().Str("method", method).Str("resource", ref.String()).Logger()

	report, err := h.proc.Process(c.Request().Context(), req)
	if err != nil {
		log.Error().Err(err).Msg("batch entry failed")
		status, oo := fhir.OutcomeForError(err)
		return entryResponse(status, "", oo)
	}
	first := report.First()
	if first == nil {
		ferr := report.Err()
		log.Warn().Err(ferr).Msg("batch entry rejected")
		status, oo := fhir.OutcomeForError(ferr)
		return entryResponse(status, "", oo)
	}

	var oo *fhir.OperationOutcome
	if ferr := report.Err(); ferr != nil {
		oo = fhir.NewOperationOutcome(fhir.IssueSeverityWarning, fhir.IssueTypeProcessing, ferr.Error())
	}
	switch {
	case first.Skipped():
		if oo == nil {
			oo = fhir.NewOperationOutcome(fhir.IssueSeverityInformation, fhir.IssueTypeProcessing, "no rule applied to "+ref.String())
		}
		return entryResponse(http.StatusOK, "", oo)
	case first.Deleted:
		return entryResponse(http.StatusNoContent, "", oo)
	case first.Created:
		return entryResponse(http.StatusCreated, ref.String(), oo)
	default:
		return entryResponse(http.StatusOK, ref.String(), oo)
	}
}

func (h *BatchHandler) outcome(c echo.Context, status int, oo *fhir.OperationOutcome) error {
	c.Response().Header().Set(echo.HeaderContentType, fhirJSON)
	return c.JSON(status, oo)
}
