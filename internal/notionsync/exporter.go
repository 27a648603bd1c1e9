package notionsync

import (
	"context"
	"fmt"

	"github.com/dvloznov/import-pipeline/internal/store"
	"github.com/jomei/notionapi"
	"github.com/rs/zerolog"
)

// ExportResult summarizes one export run.
type ExportResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// Exporter mirrors a batch's transactions into a Notion database. Pages are
// matched on the Transaction ID title property, so re-running an export
// updates rather than duplicates.
type Exporter struct {
	notion       NotionService
	transactions store.TransactionRepository
	databaseID   string
	logger       zerolog.Logger
}

// NewExporter creates a Notion exporter targeting the given database.
func NewExporter(notion NotionService, transactions store.TransactionRepository, databaseID string, logger zerolog.Logger) *Exporter {
	return &Exporter{
		notion:       notion,
		transactions: transactions,
		databaseID:   databaseID,
		logger:       logger,
	}
}

// ExportBatch upserts every transaction of the batch. Individual page
// failures are counted and logged but do not abort the run.
func (e *Exporter) ExportBatch(ctx context.Context, batchID, ownerID string) (*ExportResult, error) {
	txs, err := e.transactions.ListTransactionsByBatch(ctx, batchID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("ExportBatch: list transactions: %w", err)
	}

	result := &ExportResult{}
	for _, tx := range txs {
		// Excluded records (duplicate links) stay out of the report.
		if tx.Flags.IsExcludedFromTotals {
			continue
		}
		props := TransactionToNotionProperties(tx)

		pageID, err := e.findPage(ctx, tx.TransactionID)
		if err != nil {
			e.logger.Error().Err(err).Str("transaction_id", tx.TransactionID).Msg("Notion page lookup failed")
			result.Failed++
			continue
		}

		if pageID == "" {
			if _, err := e.notion.CreatePage(ctx, e.databaseID, props); err != nil {
				e.logger.Error().Err(err).Str("transaction_id", tx.TransactionID).Msg("Notion page create failed")
				result.Failed++
				continue
			}
			result.Created++
		} else {
			if _, err := e.notion.UpdatePage(ctx, pageID, props); err != nil {
				e.logger.Error().Err(err).Str("transaction_id", tx.TransactionID).Msg("Notion page update failed")
				result.Failed++
				continue
			}
			result.Updated++
		}
	}

	e.logger.Info().
		Str("batch_id", batchID).
		Int("created", result.Created).
		Int("updated", result.Updated).
		Int("failed", result.Failed).
		Msg("Notion export finished")
	return result, nil
}

// findPage looks up the page keyed by the transaction id. Returns "" when no
// page exists yet.
func (e *Exporter) findPage(ctx context.Context, transactionID string) (string, error) {
	query := &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: "Transaction ID",
			RichText: &notionapi.TextFilterCondition{
				Equals: transactionID,
			},
		},
		PageSize: 1,
	}

	resp, err := e.notion.QueryDatabase(ctx, e.databaseID, query)
	if err != nil {
		return "", err
	}
	if len(resp.Results) == 0 {
		return "", nil
	}
	return string(resp.Results[0].ID), nil
}
