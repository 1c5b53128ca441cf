// Package handler is the HTTP surface over the intake core. Authentication
// happens upstream; handlers consume an already-resolved principal from
// request headers and translate structured errors into status codes.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
	"github.com/pesio-ai/be-ap-intake/internal/exception"
	"github.com/pesio-ai/be-ap-intake/internal/ident"
	"github.com/pesio-ai/be-ap-intake/internal/ingest"
	"github.com/pesio-ai/be-ap-intake/internal/jobs"
	"github.com/pesio-ai/be-ap-intake/internal/policy"
	"github.com/pesio-ai/be-ap-intake/internal/repository"
	"github.com/pesio-ai/be-ap-intake/internal/slo"
	"github.com/pesio-ai/be-ap-intake/internal/staging"
	"github.com/pesio-ai/be-ap-intake/internal/workflow"
)

// HTTPHandler exposes the intake API.
type HTTPHandler struct {
	store      repository.Store
	ingest     *ingest.Service
	exceptions *exception.Manager
	approvals  *policy.ApprovalEngine
	gates      *policy.GateEngine
	staging    *staging.Pipeline
	workflow   *workflow.Runner
	fabric     *jobs.Fabric
	slo        *slo.Engine
	log        zerolog.Logger
}

type Deps struct {
	Store      repository.Store
	Ingest     *ingest.Service
	Exceptions *exception.Manager
	Approvals  *policy.ApprovalEngine
	Gates      *policy.GateEngine
	Staging    *staging.Pipeline
	Workflow   *workflow.Runner
	Fabric     *jobs.Fabric
	SLO        *slo.Engine
}

func NewHTTPHandler(d Deps, log zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{
		store:      d.Store,
		ingest:     d.Ingest,
		exceptions: d.Exceptions,
		approvals:  d.Approvals,
		gates:      d.Gates,
		staging:    d.Staging,
		workflow:   d.Workflow,
		fabric:     d.Fabric,
		slo:        d.SLO,
		log:        log.With().Str("component", "http").Logger(),
	}
}

// Routes registers every endpoint on mux.
func (h *HTTPHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/invoices", h.SubmitInvoice)
	mux.HandleFunc("POST /v1/invoices/batch", h.SubmitBatch)
	mux.HandleFunc("GET /v1/invoices/{id}", h.GetInvoice)
	mux.HandleFunc("POST /v1/invoices/{id}/cancel", h.CancelInvoice)
	mux.HandleFunc("GET /v1/invoices/{id}/audit", h.ListAudit)

	mux.HandleFunc("GET /v1/exceptions", h.ListExceptions)
	mux.HandleFunc("POST /v1/exceptions/{id}/resolve", h.ResolveException)
	mux.HandleFunc("POST /v1/exceptions/resolve", h.ResolveExceptionBatch)

	mux.HandleFunc("GET /v1/approvals/pending", h.PendingApprovals)
	mux.HandleFunc("GET /v1/approvals/{id}/decisions", h.ApprovalDecisions)
	mux.HandleFunc("POST /v1/approvals/{id}/decide", h.DecideApproval)
	mux.HandleFunc("POST /v1/approvals/{id}/delegate", h.DelegateApproval)
	mux.HandleFunc("POST /v1/approvals/{id}/recall", h.RecallApproval)

	mux.HandleFunc("POST /v1/exports", h.PrepareExport)
	mux.HandleFunc("POST /v1/exports/{id}/review", h.ReviewExport)
	mux.HandleFunc("POST /v1/exports/{id}/post", h.PostExport)
	mux.HandleFunc("POST /v1/exports/{id}/rollback", h.RollbackExport)

	mux.HandleFunc("PUT /v1/policy/gates", h.UpsertGate)

	mux.HandleFunc("GET /v1/slo/alerts", h.ListSLOAlerts)
	mux.HandleFunc("GET /v1/slo/measurements", h.ListSLIMeasurements)

	mux.HandleFunc("GET /healthz", h.Health)
}

// ── intake ────────────────────────────────────────────────────────────────────

type submitRequest struct {
	FileName    string        `json:"file_name"`
	ContentType string        `json:"content_type"`
	Content     []byte        `json:"content"` // base64 in JSON
	Source      domain.Source `json:"source"`
}

func (r submitRequest) submission() ingest.Submission {
	src := r.Source
	if src == "" {
		src = domain.SourceAPI
	}
	return ingest.Submission{
		FileName:    r.FileName,
		ContentType: r.ContentType,
		Content:     r.Content,
		Source:      src,
	}
}

func (h *HTTPHandler) SubmitInvoice(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.InvalidInput("body", "invalid request body"))
		return
	}
	receipt, err := h.ingest.SubmitDocument(r.Context(), principal.ID, req.submission())
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if receipt.Duplicate {
		status = http.StatusOK
	}
	h.writeJSON(w, status, receipt)
}

func (h *HTTPHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		Items []submitRequest `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.InvalidInput("body", "invalid request body"))
		return
	}
	subs := make([]ingest.Submission, len(req.Items))
	for i, item := range req.Items {
		subs[i] = item.submission()
	}
	receipts, err := h.ingest.SubmitBatch(r.Context(), principal.ID, subs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"items": receipts})
}

func (h *HTTPHandler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.store.GetInvoice(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, invoiceView(inv))
}

func (h *HTTPHandler) CancelInvoice(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.InvalidInput("body", "invalid request body"))
		return
	}
	if err := h.workflow.Cancel(r.Context(), r.PathValue("id"), principal, req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *HTTPHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.ListAudit(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ── exceptions ────────────────────────────────────────────────────────────────

func (h *HTTPHandler) ListExceptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit < 1 || limit > 200 {
		limit = 50
	}
	excs, err := h.store.ListExceptions(r.Context(), repository.ExceptionFilter{
		InvoiceID: q.Get("invoice_id"),
		Status:    domain.ExceptionStatus(q.Get("status")),
		Category:  domain.RuleCategory(q.Get("category")),
		Limit:     limit,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"exceptions": excs})
}

type resolveRequest struct {
	Action      domain.ResolutionAction `json:"action"`
	Notes       string                  `json:"notes"`
	Adjustments map[string]string       `json:"adjustments,omitempty"`
	IDs         []string                `json:"ids,omitempty"` // batch form only
}

func (r resolveRequest) resolution() exception.Resolution {
	return exception.Resolution{Action: r.Action, Notes: r.Notes, Adjustments: r.Adjustments}
}

func (h *HTTPHandler) ResolveException(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.InvalidInput("body", "invalid request body"))
		return
	}
	if err := h.exceptions.Resolve(r.Context(), r.PathValue("id"), principal, req.resolution()); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (h *HTTPHandler) ResolveExceptionBatch(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.InvalidInput("body", "invalid request body"))
		return
	}
	if err := h.exceptions.ResolveBatch(r.Context(), req.IDs, principal, req.resolution()); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "resolved", "count": len(req.IDs)})
}

// ── approvals ─────────────────────────────────────────────────────────────────

func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	steps, err := h.approvals.PendingFor(r.Context(), principal.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func (h *HTTPHandler) ApprovalDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := h.approvals.Decisions(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func (h *HTTPHandler) DecideApproval(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		Approve bool   `json:"approve"`
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.InvalidInput("body", "invalid request body"))
		return
	}
	request, err := h.approvals.Decide(r.Context(), r.PathValue("id"), principal, req.Approve, req.Comment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"state": request.State})
}

func (h *HTTPHandler) DelegateApproval(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		DelegateID    string `json:"delegate_id"`
		DelegateLevel int    `json:"delegate_level"`
		Comment       string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.InvalidInput("body", "invalid request body"))
		return
	}
	delegate := domain.Principal{ID: req.DelegateID, Level: domain.RoleLevel(req.DelegateLevel)}
	if err := h.approvals.Delegate(r.Context(), r.PathValue("id"), principal, delegate, req.Comment); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "delegated"})
}

func (h *HTTPHandler) RecallApproval(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	if err := h.approvals.Recall(r.Context(), r.PathValue("id"), principal); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "recalled"})
}

// ── exports ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) PrepareExport(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		InvoiceID   string              `json:"invoice_id"`
		Destination string              `json:"destination"`
		Format      domain.ExportFormat `json:"format"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.InvalidInput("body", "invalid request body"))
		return
	}
	exp, err := h.staging.Prepare(r.Context(), req.InvoiceID, req.Destination, req.Format, principal)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, exportView(exp))
}

func (h *HTTPHandler) ReviewExport(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		Approve     bool              `json:"approve"`
		AmendedData map[string]string `json:"amended_data,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.InvalidInput("body", "invalid request body"))
		return
	}
	exp, err := h.staging.Review(r.Context(), r.PathValue("id"), principal, req.Approve, req.AmendedData)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, exportView(exp))
}

// PostExport hands posting to the job fabric so connector failures retry
// under its policy.
func (h *HTTPHandler) PostExport(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	jobID, err := h.fabric.Enqueue(r.Context(), domain.OpPostExport, map[string]any{
		"export_id": r.PathValue("id"),
		"principal": principal.ID,
		"level":     int(principal.Level),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (h *HTTPHandler) RollbackExport(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.InvalidInput("body", "invalid request body"))
		return
	}
	if err := h.staging.Rollback(r.Context(), r.PathValue("id"), principal, req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "rolled_back"})
}

// ── policy gates ──────────────────────────────────────────────────────────────

func (h *HTTPHandler) UpsertGate(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	if principal.Level < domain.RoleController {
		h.writeError(w, apperr.PermissionDenied("gate changes require controller or higher"))
		return
	}
	var req struct {
		ID        string            `json:"id"`
		Name      string            `json:"name"`
		Priority  int               `json:"priority"`
		Condition string            `json:"condition"`
		Action    domain.GateAction `json:"action"`
		Steps     []domain.GateStep `json:"steps,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.InvalidInput("body", "invalid request body"))
		return
	}
	if err := h.gates.ValidateCondition(req.Condition); err != nil {
		h.writeError(w, err)
		return
	}
	gate := &domain.PolicyGate{
		ID:        req.ID,
		Name:      req.Name,
		Priority:  req.Priority,
		Condition: req.Condition,
		Action:    req.Action,
		Steps:     req.Steps,
	}
	if gate.ID == "" {
		gate.ID = ident.NewID()
	}
	if err := h.store.UpsertPolicyGate(r.Context(), gate); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": gate.ID})
}

// ── slo ───────────────────────────────────────────────────────────────────────

func (h *HTTPHandler) ListSLOAlerts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 500 {
		limit = 50
	}
	alerts, err := h.slo.Alerts(r.Context(), r.URL.Query().Get("slo"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (h *HTTPHandler) ListSLIMeasurements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := parseWindow(q.Get("from"), q.Get("to"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	ms, err := h.slo.History(r.Context(), q.Get("slo"), from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"measurements": ms})
}

func (h *HTTPHandler) Health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── plumbing ──────────────────────────────────────────────────────────────────

// principal resolves the upstream-authenticated caller from headers.
func (h *HTTPHandler) principal(w http.ResponseWriter, r *http.Request) (domain.Principal, bool) {
	id := r.Header.Get("X-Principal-Id")
	if id == "" {
		h.writeError(w, apperr.PermissionDenied("missing principal"))
		return domain.Principal{}, false
	}
	level, err := strconv.Atoi(r.Header.Get("X-Principal-Level"))
	if err != nil || level < int(domain.RoleAPClerk) || level > int(domain.RoleCFO) {
		h.writeError(w, apperr.PermissionDenied("invalid principal level"))
		return domain.Principal{}, false
	}
	return domain.Principal{ID: id, Level: domain.RoleLevel(level)}, true
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("response encoding failed")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		e = apperr.Internal("internal error", err)
	}
	status := statusFor(e.Kind)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
	}
	body := map[string]any{
		"kind":    e.Kind,
		"message": e.Message,
	}
	if e.Code != "" {
		body["code"] = e.Code
	}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	if e.CorrelationID != "" {
		body["correlation_id"] = e.CorrelationID
	}
	h.writeJSON(w, status, map[string]any{"error": body})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation, apperr.KindInvalid:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict, apperr.KindDuplicate:
		return http.StatusConflict
	case apperr.KindPermissionDenied:
		return http.StatusForbidden
	case apperr.KindUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func parseWindow(fromRaw, toRaw string) (time.Time, time.Time, error) {
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if fromRaw != "" {
		t, err := time.Parse(time.RFC3339, fromRaw)
		if err != nil {
			return time.Time{}, time.Time{}, apperr.InvalidInput("from", "must be RFC3339")
		}
		from = t
	}
	if toRaw != "" {
		t, err := time.Parse(time.RFC3339, toRaw)
		if err != nil {
			return time.Time{}, time.Time{}, apperr.InvalidInput("to", "must be RFC3339")
		}
		to = t
	}
	return from, to, nil
}

// invoiceView is the wire shape of an invoice.
func invoiceView(inv *domain.Invoice) map[string]any {
	return map[string]any{
		"id":           inv.ID,
		"content_hash": inv.ContentHash,
		"submitter":    inv.Submitter,
		"source":       inv.Source,
		"state":        inv.State,
		"archived":     inv.Archived,
		"created_at":   inv.CreatedAt,
		"updated_at":   inv.UpdatedAt,
		"version":      inv.Version,
	}
}

func exportView(exp *domain.StagedExport) map[string]any {
	v := map[string]any{
		"id":            exp.ID,
		"invoice_id":    exp.InvoiceID,
		"destination":   exp.Destination,
		"format":        exp.Format,
		"status":        exp.Status,
		"quality_score": exp.QualityScore,
		"diff":          exp.Diff,
		"created_at":    exp.CreatedAt,
		"updated_at":    exp.UpdatedAt,
	}
	if exp.ExternalRef != nil {
		v["external_ref"] = *exp.ExternalRef
	}
	return v
}
