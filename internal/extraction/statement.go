package extraction

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dvloznov/import-pipeline/internal/domain"
	"github.com/xuri/excelize/v2"
)

// parseStatementCSV reads a bank-statement CSV with headers:
// date,description,amount and optional merchant,currency columns.
// amount: signed decimal string. date: "2006-01-02" or RFC3339.
func parseStatementCSV(data []byte) ([]*domain.ExtractedTransaction, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true

	headers, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := toIndex(headers)
	required := []string{"date", "description", "amount"}
	for _, k := range required {
		if _, ok := col[k]; !ok {
			return nil, fmt.Errorf("missing column: %s", k)
		}
	}

	var out []*domain.ExtractedTransaction
	for rowNo := 2; ; rowNo++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", rowNo, err)
		}
		tx, err := statementRow(rec, col)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", rowNo, err)
		}
		out = append(out, tx)
	}
	return out, nil
}

// parseStatementXLSX reads the first sheet of an XLSX workbook using the
// same header contract as the CSV form.
func parseStatementXLSX(data []byte) ([]*domain.ExtractedTransaction, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %q is empty", sheets[0])
	}

	col := toIndex(rows[0])
	required := []string{"date", "description", "amount"}
	for _, k := range required {
		if _, ok := col[k]; !ok {
			return nil, fmt.Errorf("missing column: %s", k)
		}
	}

	var out []*domain.ExtractedTransaction
	for i, rec := range rows[1:] {
		if len(rec) == 0 {
			continue
		}
		// excelize drops trailing empty cells; pad to header width.
		for len(rec) < len(rows[0]) {
			rec = append(rec, "")
		}
		tx, err := statementRow(rec, col)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		out = append(out, tx)
	}
	return out, nil
}

func statementRow(rec []string, col map[string]int) (*domain.ExtractedTransaction, error) {
	dateStr := rec[col["date"]]
	desc := strings.TrimSpace(rec[col["description"]])
	amountStr := rec[col["amount"]]

	date, err := parseDateFlexible(dateStr)
	if err != nil {
		return nil, fmt.Errorf("date parse: %w", err)
	}
	amount, err := parseSignedDecimal(amountStr)
	if err != nil {
		return nil, fmt.Errorf("amount parse: %w", err)
	}

	merchant := desc
	if idx, ok := col["merchant"]; ok && strings.TrimSpace(rec[idx]) != "" {
		merchant = strings.TrimSpace(rec[idx])
	}
	currency := ""
	if idx, ok := col["currency"]; ok {
		currency = strings.ToUpper(strings.TrimSpace(rec[idx]))
	}

	return &domain.ExtractedTransaction{
		MerchantName: merchant,
		Description:  desc,
		Date:         date,
		Amount:       amount,
		Currency:     currency,
	}, nil
}

func toIndex(headers []string) map[string]int {
	idx := make(map[string]int, len(headers))
	for i, h := range headers {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	return idx
}

// parseSignedDecimal converts "1,234.56" / "-12,50" style amounts to a
// float64. It tolerates comma or dot as decimal separator and strips
// thousand separators.
func parseSignedDecimal(s string) (float64, error) {
	s = strings.TrimSpace(strings.Trim(s, "\""))
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	// If both '.' and ',' exist, assume ',' is thousands and '.' is decimal.
	// If only ',' exists, treat it as the decimal separator.
	if strings.Contains(s, ".") && strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ",", "")
	} else if strings.Contains(s, ",") && !strings.Contains(s, ".") {
		s = strings.ReplaceAll(s, ",", ".")
	}
	s = strings.ReplaceAll(s, " ", "")
	return strconv.ParseFloat(s, 64)
}

func parseDateFlexible(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	formats := []string{
		"2006-01-02",
		time.RFC3339,
		"02/01/2006",
		"2006-01-02 15:04:05",
	}
	var lastErr error
	for _, f := range formats {
		t, err := time.Parse(f, s)
		if err == nil {
			// Normalize to a date at UTC midnight.
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("date parse failed: %w", lastErr)
}
