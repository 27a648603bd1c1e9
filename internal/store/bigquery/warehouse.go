package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/import-pipeline/internal/domain"
)

const (
	transactionsTable = "transactions"
	activityTable     = "activity_log"
	dateFormat        = "2006-01-02"
)

// Warehouse writes import results into BigQuery.
type Warehouse struct {
	client    *bigquery.Client
	projectID string
	datasetID string
}

// NewWarehouse creates a warehouse mirror over a new BigQuery client.
func NewWarehouse(ctx context.Context, projectID, datasetID string) (*Warehouse, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewWarehouse: bigquery client: %w", err)
	}
	return NewWarehouseWithClient(client, projectID, datasetID), nil
}

// NewWarehouseWithClient creates a warehouse mirror using the provided client.
func NewWarehouseWithClient(client *bigquery.Client, projectID, datasetID string) *Warehouse {
	return &Warehouse{client: client, projectID: projectID, datasetID: datasetID}
}

// Close releases the underlying client.
func (w *Warehouse) Close() error {
	return w.client.Close()
}

// InsertTransaction streams one transaction row into the warehouse.
func (w *Warehouse) InsertTransaction(ctx context.Context, tx *domain.Transaction) error {
	return w.insertTransactions(ctx, []*TransactionRow{TransactionToRow(tx)})
}

func (w *Warehouse) insertTransactions(ctx context.Context, rows []*TransactionRow) error {
	if len(rows) == 0 {
		return nil
	}

	table := w.client.DatasetInProject(w.projectID, w.datasetID).Table(transactionsTable)
	inserter := table.Inserter()
	if err := inserter.Put(ctx, rows); err != nil {
		return fmt.Errorf("insertTransactions: inserting rows: %w", err)
	}

	return nil
}

// AppendActivity streams one activity row into the warehouse.
func (w *Warehouse) AppendActivity(ctx context.Context, entry *domain.ActivityLogEntry) error {
	table := w.client.DatasetInProject(w.projectID, w.datasetID).Table(activityTable)
	inserter := table.Inserter()
	if err := inserter.Put(ctx, ActivityToRow(entry)); err != nil {
		return fmt.Errorf("AppendActivity: inserting row: %w", err)
	}

	return nil
}

// QueryTransactionsByDateRange queries an owner's warehouse transactions
// within the date range, oldest first.
func (w *Warehouse) QueryTransactionsByDateRange(ctx context.Context, ownerID string, startDate, endDate time.Time) ([]*TransactionRow, error) {
	q := w.client.Query(fmt.Sprintf(`
		SELECT
			transaction_id,
			owner_id,
			batch_id,
			batch_item_id,
			merchant_name,
			description,
			transaction_date,
			amount,
			currency,
			content_hash,
			category_id,
			category_name,
			method,
			confidence,
			is_duplicate,
			linked_transaction_id,
			created_ts
		FROM `+"`%s.%s.%s`"+`
		WHERE owner_id = @owner_id
		  AND transaction_date >= @start_date
		  AND transaction_date <= @end_date
		ORDER BY transaction_date, created_ts
	`, w.projectID, w.datasetID, transactionsTable))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "owner_id", Value: ownerID},
		{Name: "start_date", Value: startDate.Format(dateFormat)},
		{Name: "end_date", Value: endDate.Format(dateFormat)},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("QueryTransactionsByDateRange: query read: %w", err)
	}

	var rows []*TransactionRow
	for {
		var r TransactionRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("QueryTransactionsByDateRange: iter next: %w", err)
		}
		rows = append(rows, &r)
	}

	return rows, nil
}
