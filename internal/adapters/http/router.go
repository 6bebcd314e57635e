package httpadapter

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tenantgrid/bulkproc/internal/core/domain"
	"github.com/tenantgrid/bulkproc/internal/core/ports"
	"github.com/tenantgrid/bulkproc/internal/observability/metrics"
)

const (
	userIDHeader    = "X-User-Id"
	companyIDHeader = "X-Company-Id"
)

type Router struct {
	uploads ports.UploadSessionManager
	creator ports.BulkRequestCreator
	cancel  ports.BulkRequestCanceller
	status  ports.BulkStatusReader
	metrics *metrics.HTTPServerMetrics
	service string
	logger  *slog.Logger
}

func NewRouter(
	uploads ports.UploadSessionManager,
	creator ports.BulkRequestCreator,
	cancel ports.BulkRequestCanceller,
	status ports.BulkStatusReader,
	httpMetrics *metrics.HTTPServerMetrics,
	service string,
	logger *slog.Logger,
) *Router {
	return &Router{
		uploads: uploads,
		creator: creator,
		cancel:  cancel,
		status:  status,
		metrics: httpMetrics,
		service: service,
		logger:  logger,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.HandleFunc("/v1/uploads", rt.initiateUpload)
	mux.HandleFunc("/v1/uploads/", rt.uploadSubresource)
	mux.HandleFunc("/v1/bulk-requests", rt.createBulkRequest)
	mux.HandleFunc("/v1/bulk-requests/", rt.bulkRequestSubresource)
	if rt.metrics != nil {
		mux.Handle("/metrics", rt.metrics.Handler())
		return requestIDMiddleware(accessLogMiddleware(rt.metrics.Middleware(rt.service, mux)))
	}
	return requestIDMiddleware(accessLogMiddleware(mux))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) initiateUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	ident, ok := rt.identity(w, r)
	if !ok {
		return
	}

	var req struct {
		FileName string `json:"file_name"`
		MimeType string `json:"mime_type"`
		Size     int64  `json:"size"`
		Path     string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	result, err := rt.uploads.Initiate(r.Context(), ports.InitiateUploadInput{
		Identity: ident,
		Path:     req.Path,
		FileName: req.FileName,
		MimeType: req.MimeType,
		Size:     req.Size,
	})
	if err != nil {
		rt.writeError(w, r, err)
		return
	}

	if rt.metrics != nil {
		rt.metrics.RecordUploadInitiated(rt.service, req.Size)
	}
	writeJSON(w, http.StatusCreated, result)
}

// uploadSubresource dispatches /v1/uploads/{file_id}/{parts|complete|status}.
func (rt *Router) uploadSubresource(w http.ResponseWriter, r *http.Request) {
	fileID, action := splitResourcePath(strings.TrimPrefix(r.URL.Path, "/v1/uploads/"))
	if fileID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file id is required"})
		return
	}

	switch action {
	case "parts":
		rt.generatePartURL(w, r, fileID)
	case "complete":
		rt.completeUpload(w, r, fileID)
	case "status":
		rt.uploadStatus(w, r, fileID)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown upload action"})
	}
}

func (rt *Router) generatePartURL(w http.ResponseWriter, r *http.Request, fileID string) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	ident, ok := rt.identity(w, r)
	if !ok {
		return
	}

	var req struct {
		PartNumber    int   `json:"part_number"`
		PartSize      int64 `json:"part_size"`
		ExpirySeconds int64 `json:"expiry_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	url, err := rt.uploads.GeneratePartURL(
		r.Context(), ident, fileID,
		req.PartNumber, req.PartSize,
		time.Duration(req.ExpirySeconds)*time.Second,
	)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"file_id":     fileID,
		"part_number": req.PartNumber,
		"upload_url":  url,
	})
}

func (rt *Router) completeUpload(w http.ResponseWriter, r *http.Request, fileID string) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	ident, ok := rt.identity(w, r)
	if !ok {
		return
	}

	var req struct {
		Parts []struct {
			PartNumber int    `json:"part_number"`
			ETag       string `json:"etag"`
			Size       int64  `json:"size"`
		} `json:"parts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if len(req.Parts) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "parts list is required"})
		return
	}

	parts := make([]domain.UploadPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, domain.UploadPart{
			PartNumber: p.PartNumber,
			ETag:       p.ETag,
			Size:       p.Size,
		})
	}

	if err := rt.uploads.Complete(r.Context(), ident, fileID, parts); err != nil {
		rt.writeError(w, r, err)
		return
	}

	if rt.metrics != nil {
		rt.metrics.RecordUploadCompleted(rt.service)
	}
	writeJSON(w, http.StatusOK, map[string]string{"file_id": fileID, "status": "uploaded"})
}

func (rt *Router) uploadStatus(w http.ResponseWriter, r *http.Request, fileID string) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	ident, ok := rt.identity(w, r)
	if !ok {
		return
	}

	report, err := rt.uploads.Status(r.Context(), ident, fileID)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (rt *Router) createBulkRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	ident, ok := rt.identity(w, r)
	if !ok {
		return
	}

	var req struct {
		Type   string `json:"type"`
		FileID string `json:"file_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	created, err := rt.creator.Create(r.Context(), ports.CreateBulkRequestInput{
		Identity: ident,
		Type:     req.Type,
		FileID:   req.FileID,
	})
	if err != nil {
		rt.writeError(w, r, err)
		return
	}

	if rt.metrics != nil {
		rt.metrics.RecordBulkRequest(rt.service, string(created.Type))
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"request_id": created.ID,
		"status":     created.Status,
	})
}

// bulkRequestSubresource dispatches /v1/bulk-requests/{request_id}[/cancel].
func (rt *Router) bulkRequestSubresource(w http.ResponseWriter, r *http.Request) {
	requestID, action := splitResourcePath(strings.TrimPrefix(r.URL.Path, "/v1/bulk-requests/"))
	if requestID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "request id is required"})
		return
	}

	switch action {
	case "":
		rt.bulkRequestStatus(w, r, requestID)
	case "cancel":
		rt.cancelBulkRequest(w, r, requestID)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown bulk request action"})
	}
}

func (rt *Router) bulkRequestStatus(w http.ResponseWriter, r *http.Request, requestID string) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	ident, ok := rt.identity(w, r)
	if !ok {
		return
	}

	status, err := rt.status.Status(r.Context(), ident, requestID)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (rt *Router) cancelBulkRequest(w http.ResponseWriter, r *http.Request, requestID string) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	ident, ok := rt.identity(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	// A body is optional on cancel.
	_ = json.NewDecoder(r.Body).Decode(&req)

	err := rt.cancel.Cancel(r.Context(), ports.CancelBulkRequestInput{
		Identity:  ident,
		RequestID: requestID,
		Reason:    req.Reason,
	})
	if err != nil {
		rt.writeError(w, r, err)
		return
	}

	if rt.metrics != nil {
		rt.metrics.RecordBulkCancel(rt.service, "accepted")
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": requestID, "status": "cancellation_requested"})
}

func (rt *Router) identity(w http.ResponseWriter, r *http.Request) (ports.Identity, bool) {
	ident := ports.Identity{
		UserID:    strings.TrimSpace(r.Header.Get(userIDHeader)),
		CompanyID: strings.TrimSpace(r.Header.Get(companyIDHeader)),
	}
	if ident.UserID == "" || ident.CompanyID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "identity headers are required"})
		return ports.Identity{}, false
	}
	return ident, true
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= 500 && rt.logger != nil {
		rt.logger.Error("request failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// splitResourcePath separates "{id}" or "{id}/{action}" path remainders.
func splitResourcePath(rest string) (id, action string) {
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", ""
	}
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return rest[:idx], rest[idx+1:]
	}
	return rest, ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
