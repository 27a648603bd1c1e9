// Package extraction turns document bytes into normalized transactions.
// Receipt and invoice images/PDFs go through the AI model; bank-statement
// CSV and XLSX files are parsed locally without burning model calls.
package extraction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/dvloznov/import-pipeline/internal/domain"
)

// AIParser provides an interface for AI-powered document parsing operations.
// This interface enables mocking and testing of AI parsing functionality.
type AIParser interface {
	// ParseDocument sends document bytes to an AI model and returns parsed
	// JSON output as a generic map with a top-level "transactions" array.
	ParseDocument(ctx context.Context, data []byte, mimeType string, importType domain.ImportType) (map[string]interface{}, error)
}

// Extractor extracts normalized transactions from one document.
type Extractor interface {
	Extract(ctx context.Context, data []byte, fileName, fileFormat string, importType domain.ImportType) ([]*domain.ExtractedTransaction, error)
}

// Service is the default Extractor, routing by file format.
type Service struct {
	parser AIParser
}

// NewService creates an extractor backed by the given AI parser.
func NewService(parser AIParser) *Service {
	return &Service{parser: parser}
}

// Extract implements the Extractor interface. Every failure is wrapped as an
// ExtractionError: extraction is the pipeline's one retryable step.
func (s *Service) Extract(ctx context.Context, data []byte, fileName, fileFormat string, importType domain.ImportType) ([]*domain.ExtractedTransaction, error) {
	contentHash := HashContent(data)

	var (
		txs []*domain.ExtractedTransaction
		err error
	)
	switch strings.ToLower(fileFormat) {
	case "csv":
		txs, err = parseStatementCSV(data)
	case "xlsx":
		txs, err = parseStatementXLSX(data)
	case "pdf", "jpg", "jpeg", "png":
		txs, err = s.extractWithModel(ctx, data, fileFormat, importType)
	default:
		err = fmt.Errorf("unsupported file format: %q", fileFormat)
	}
	if err != nil {
		return nil, &domain.ExtractionError{Cause: fmt.Errorf("%s: %w", fileName, err)}
	}
	if len(txs) == 0 {
		return nil, &domain.ExtractionError{Cause: fmt.Errorf("%s: no transactions extracted", fileName)}
	}

	for _, tx := range txs {
		tx.ContentHash = contentHash
	}
	return txs, nil
}

func (s *Service) extractWithModel(ctx context.Context, data []byte, fileFormat string, importType domain.ImportType) ([]*domain.ExtractedTransaction, error) {
	raw, err := s.parser.ParseDocument(ctx, data, mimeTypeFor(fileFormat), importType)
	if err != nil {
		return nil, err
	}
	return transformModelOutput(raw)
}

func mimeTypeFor(fileFormat string) string {
	switch strings.ToLower(fileFormat) {
	case "pdf":
		return "application/pdf"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// HashContent returns the hex sha256 of the file bytes, used as the
// exact-duplicate fingerprint.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Ensure Service implements Extractor.
var _ Extractor = (*Service)(nil)
