package domain

import "time"

// CatalogProduct is the persistence target of PRODUCT_CATALOG imports.
// Upserted on (CompanyID, SKU).
type CatalogProduct struct {
	ID          string    `json:"id"`
	CompanyID   string    `json:"company_id"`
	SKU         string    `json:"sku"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Price       float64   `json:"price"`
	Quantity    int64     `json:"quantity"`
	ImagePaths  []string  `json:"image_paths,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// OutcomeEvent notifies downstream listeners of a terminal job outcome.
// Delivery is fire-and-forget; publish failures are logged, never propagated.
type OutcomeEvent struct {
	RequestID      string         `json:"request_id"`
	Type           ProcessingType `json:"type"`
	Status         RequestStatus  `json:"status"`
	CompanyID      string         `json:"company_id"`
	RequestedBy    string         `json:"requested_by"`
	ProcessedRows  int64          `json:"processed_rows"`
	SuccessfulRows int64          `json:"successful_rows"`
	FailedRows     int64          `json:"failed_rows"`
	TotalFailure   bool           `json:"total_failure"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}
