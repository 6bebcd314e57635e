package usecase

import (
	"context"
	"fmt"

	"github.com/tenantgrid/bulkproc/internal/core/ports"
)

type BulkStatusQuery struct {
	requests ports.BulkRequestRepository
}

func NewBulkStatusQuery(requests ports.BulkRequestRepository) *BulkStatusQuery {
	return &BulkStatusQuery{requests: requests}
}

// Status returns the best-known counters even mid-run; callers must check
// HasErrors rather than inferring failure from the status alone.
func (q *BulkStatusQuery) Status(ctx context.Context, ident ports.Identity, requestID string) (*ports.BulkRequestStatus, error) {
	req, err := q.requests.GetForCompany(ctx, requestID, ident.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("load bulk request: %w", err)
	}
	return &ports.BulkRequestStatus{
		RequestID:          req.ID,
		Status:             req.Status,
		ProgressPercentage: req.Progress(),
		TotalRows:          req.TotalRows,
		ProcessedRows:      req.ProcessedRows,
		SuccessfulRows:     req.SuccessfulRows,
		FailedRows:         req.FailedRows,
		HasErrors:          req.HasErrors(),
		StartedAt:          req.StartedAt,
		CompletedAt:        req.CompletedAt,
		ErrorMessage:       req.ErrorMessage,
		RowLogs:            req.RowLogs,
	}, nil
}
