// Package bigquery mirrors imported transactions and activity into the
// analytics warehouse. The primary store remains the source of truth; the
// warehouse is an append-only copy for reporting.
package bigquery

import (
	"encoding/json"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"

	"github.com/dvloznov/import-pipeline/internal/domain"
)

// TransactionRow is the warehouse shape of a stored transaction.
type TransactionRow struct {
	TransactionID string `bigquery:"transaction_id"` // REQUIRED
	OwnerID       string `bigquery:"owner_id"`       // REQUIRED
	BatchID       string `bigquery:"batch_id"`       // NULLABLE
	BatchItemID   string `bigquery:"batch_item_id"`  // NULLABLE

	MerchantName string     `bigquery:"merchant_name"`    // NULLABLE
	Description  string     `bigquery:"description"`      // NULLABLE
	Date         civil.Date `bigquery:"transaction_date"` // REQUIRED
	Amount       float64    `bigquery:"amount"`           // REQUIRED
	Currency     string     `bigquery:"currency"`         // NULLABLE
	ContentHash  string     `bigquery:"content_hash"`     // NULLABLE

	CategoryID   bigquery.NullString  `bigquery:"category_id"`   // NULLABLE
	CategoryName bigquery.NullString  `bigquery:"category_name"` // NULLABLE
	Method       string               `bigquery:"method"`        // REQUIRED
	Confidence   bigquery.NullFloat64 `bigquery:"confidence"`    // NULLABLE

	IsDuplicate         bigquery.NullBool   `bigquery:"is_duplicate"`
	LinkedTransactionID bigquery.NullString `bigquery:"linked_transaction_id"`

	CreatedTS time.Time `bigquery:"created_ts"` // REQUIRED
}

// ActivityRow is the warehouse shape of an activity log entry.
type ActivityRow struct {
	ActivityID  string              `bigquery:"activity_id"` // REQUIRED
	BatchID     string              `bigquery:"batch_id"`    // REQUIRED
	BatchItemID bigquery.NullString `bigquery:"batch_item_id"`
	OwnerID     string              `bigquery:"owner_id"` // REQUIRED
	Type        string              `bigquery:"type"`     // REQUIRED
	Message     string              `bigquery:"message"`  // NULLABLE
	Details     bigquery.NullJSON   `bigquery:"details"`
	DurationMs  bigquery.NullInt64  `bigquery:"duration_ms"`
	CreatedTS   time.Time           `bigquery:"created_ts"` // REQUIRED
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}

// TransactionToRow converts a domain transaction to its warehouse row.
func TransactionToRow(tx *domain.Transaction) *TransactionRow {
	row := &TransactionRow{
		TransactionID: tx.TransactionID,
		OwnerID:       tx.OwnerID,
		BatchID:       tx.BatchID,
		BatchItemID:   tx.BatchItemID,
		MerchantName:  tx.MerchantName,
		Description:   tx.Description,
		Date:          civil.DateOf(tx.Date),
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		ContentHash:   tx.ContentHash,
		CategoryID:    nullString(tx.CategoryID),
		CategoryName:  nullString(tx.CategoryName),
		Method:        string(tx.Method),
		CreatedTS:     tx.CreatedAt,
	}
	if tx.Confidence > 0 {
		row.Confidence = bigquery.NullFloat64{Float64: tx.Confidence, Valid: true}
	}
	if tx.Flags.IsDuplicate {
		row.IsDuplicate = bigquery.NullBool{Bool: true, Valid: true}
		row.LinkedTransactionID = nullString(tx.Flags.LinkedTransactionID)
	}
	return row
}

// ActivityToRow converts a domain activity entry to its warehouse row.
func ActivityToRow(entry *domain.ActivityLogEntry) *ActivityRow {
	row := &ActivityRow{
		ActivityID:  entry.ActivityID,
		BatchID:     entry.BatchID,
		BatchItemID: nullString(entry.BatchItemID),
		OwnerID:     entry.OwnerID,
		Type:        string(entry.Type),
		Message:     entry.Message,
		CreatedTS:   entry.CreatedAt,
	}
	if entry.Details != nil {
		if b, err := json.Marshal(entry.Details); err == nil {
			row.Details = bigquery.NullJSON{JSONVal: string(b), Valid: true}
		}
	}
	if entry.DurationMs > 0 {
		row.DurationMs = bigquery.NullInt64{Int64: entry.DurationMs, Valid: true}
	}
	return row
}
