package domain

import (
	"math"
	"strings"
	"time"
)

// ExtractedTransaction is the normalized output of document extraction,
// before categorization and persistence.
type ExtractedTransaction struct {
	MerchantName string    `json:"merchant_name"`
	Description  string    `json:"description"`
	Date         time.Time `json:"date"`
	// Amount is signed: negative is money out, positive is money in.
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	// ContentHash is the sha256 of the source file, shared by every
	// transaction extracted from it.
	ContentHash string `json:"content_hash"`
}

// Fingerprint identifies a transaction for duplicate detection: either a
// content hash of the source file, or the merchant+date+amount triple.
type Fingerprint struct {
	ContentHash  string    `json:"content_hash,omitempty"`
	MerchantName string    `json:"merchant_name,omitempty"`
	Date         time.Time `json:"date,omitempty"`
	Amount       float64   `json:"amount,omitempty"`
}

// DuplicateMatchType identifies which detection stage produced a match.
type DuplicateMatchType string

const (
	DuplicateMatchExactImage         DuplicateMatchType = "exact_image"
	DuplicateMatchMerchantDateAmount DuplicateMatchType = "merchant_date_amount"
)

// DuplicateMatch links a new fingerprint to an existing transaction record.
type DuplicateMatch struct {
	TransactionID string             `json:"transaction_id"`
	MatchType     DuplicateMatchType `json:"match_type"`
	Confidence    float64            `json:"confidence"`
}

// CategorizationMethod records which source decided a category.
type CategorizationMethod string

const (
	MethodRuleExact    CategorizationMethod = "rule_exact"
	MethodRuleRegex    CategorizationMethod = "rule_regex"
	MethodRuleContains CategorizationMethod = "rule_contains"
	MethodHistory      CategorizationMethod = "history"
	MethodAI           CategorizationMethod = "ai"
	MethodNone         CategorizationMethod = "none"
)

// CategorySuggestion is the outcome of a categorization attempt.
// A nil CategoryID with MethodNone means the transaction goes to review.
type CategorySuggestion struct {
	CategoryID   string               `json:"category_id,omitempty"`
	CategoryName string               `json:"category_name,omitempty"`
	Method       CategorizationMethod `json:"method"`
	Confidence   float64              `json:"confidence"`
}

// Uncategorized is the suggestion returned when no source qualifies.
func Uncategorized() *CategorySuggestion {
	return &CategorySuggestion{Method: MethodNone}
}

// TransactionFlags is the sparse set of annotations written by the
// duplicate and categorization components and read by downstream reporting.
type TransactionFlags struct {
	IsDuplicate          bool   `json:"is_duplicate,omitempty"`
	LinkedTransactionID  string `json:"linked_transaction_id,omitempty"`
	IsInternalTransfer   bool   `json:"is_internal_transfer,omitempty"`
	IsExcludedFromTotals bool   `json:"is_excluded_from_totals,omitempty"`
	ExclusionReason      string `json:"exclusion_reason,omitempty"`
	// DetectedBy records provenance: which method set the category or
	// detected the duplicate.
	DetectedBy string `json:"detected_by,omitempty"`
}

// Transaction is the persisted record produced by a successful item.
type Transaction struct {
	TransactionID string `json:"transaction_id"`
	OwnerID       string `json:"owner_id"`
	BatchID       string `json:"batch_id,omitempty"`
	BatchItemID   string `json:"batch_item_id,omitempty"`

	MerchantName string    `json:"merchant_name"`
	Description  string    `json:"description"`
	Date         time.Time `json:"date"`
	Amount       float64   `json:"amount"`
	Currency     string    `json:"currency"`
	ContentHash  string    `json:"content_hash,omitempty"`

	CategoryID   string               `json:"category_id,omitempty"`
	CategoryName string               `json:"category_name,omitempty"`
	Method       CategorizationMethod `json:"method"`
	Confidence   float64              `json:"confidence"`

	Flags TransactionFlags `json:"flags"`

	CreatedAt time.Time `json:"created_at"`
}

// NormalizeMerchant canonicalizes a merchant name for case-insensitive
// comparison in rules, history lookups and duplicate detection.
func NormalizeMerchant(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// AmountsEqual compares two amounts to the cent.
func AmountsEqual(a, b float64) bool {
	return math.Round(a*100) == math.Round(b*100)
}

// SameCalendarDay reports whether two timestamps fall on the same UTC day.
func SameCalendarDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
