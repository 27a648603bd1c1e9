package bigquery

import (
	"testing"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/import-pipeline/internal/domain"
)

func TestTransactionToRow(t *testing.T) {
	tx := &domain.Transaction{
		TransactionID: "tx-1",
		OwnerID:       "owner-1",
		MerchantName:  "Starbucks",
		Date:          time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC),
		Amount:        -4.50,
		Currency:      "GBP",
		CategoryID:    "cat-coffee",
		CategoryName:  "Coffee",
		Method:        domain.MethodRuleExact,
		Confidence:    1.0,
		CreatedAt:     time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC),
	}

	row := TransactionToRow(tx)

	if row.Date != civil.DateOf(tx.Date) {
		t.Errorf("date = %v, want %v", row.Date, civil.DateOf(tx.Date))
	}
	if !row.CategoryID.Valid || row.CategoryID.StringVal != "cat-coffee" {
		t.Errorf("category id = %+v", row.CategoryID)
	}
	if !row.Confidence.Valid || row.Confidence.Float64 != 1.0 {
		t.Errorf("confidence = %+v", row.Confidence)
	}
	if row.IsDuplicate.Valid {
		t.Errorf("is_duplicate = %+v, want null for a canonical record", row.IsDuplicate)
	}
}

func TestTransactionToRowDuplicateLink(t *testing.T) {
	tx := &domain.Transaction{
		TransactionID: "tx-dup",
		OwnerID:       "owner-1",
		MerchantName:  "Starbucks",
		Date:          time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		Amount:        -4.50,
		Method:        domain.MethodNone,
		Flags: domain.TransactionFlags{
			IsDuplicate:         true,
			LinkedTransactionID: "tx-canonical",
		},
		CreatedAt: time.Now(),
	}

	row := TransactionToRow(tx)

	if !row.IsDuplicate.Valid || !row.IsDuplicate.Bool {
		t.Errorf("is_duplicate = %+v, want true", row.IsDuplicate)
	}
	if !row.LinkedTransactionID.Valid || row.LinkedTransactionID.StringVal != "tx-canonical" {
		t.Errorf("linked_transaction_id = %+v", row.LinkedTransactionID)
	}
	if row.CategoryID.Valid {
		t.Errorf("category id = %+v, want null for an uncategorized record", row.CategoryID)
	}
}
