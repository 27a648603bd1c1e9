package domain

import (
	"fmt"
	"regexp"
	"time"
)

// RuleField is the transaction field a rule matches against.
type RuleField string

const (
	RuleFieldMerchantName RuleField = "merchant_name"
	RuleFieldDescription  RuleField = "description"
)

// MatchType is the closed set of matching strategies for a rule.
type MatchType string

const (
	MatchTypeExact    MatchType = "exact"
	MatchTypeContains MatchType = "contains"
	MatchTypeRegex    MatchType = "regex"
)

// CategoryRule is a user-authored pattern mapping merchant or description
// text to a category. Rules are scoped to one owner.
type CategoryRule struct {
	RuleID     string    `json:"rule_id"`
	OwnerID    string    `json:"owner_id"`
	CategoryID string    `json:"category_id"`
	Field      RuleField `json:"field"`
	MatchType  MatchType `json:"match_type"`
	Value      string    `json:"value"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate checks that the rule's value compiles for its match type.
// Regex patterns must compile; exact and contains values must be non-empty.
// Invalid rules are rejected at creation time, never at match time.
func (r *CategoryRule) Validate() error {
	switch r.Field {
	case RuleFieldMerchantName, RuleFieldDescription:
	default:
		return &ValidationError{Msg: fmt.Sprintf("invalid rule field: %q", r.Field)}
	}

	switch r.MatchType {
	case MatchTypeExact, MatchTypeContains:
		if r.Value == "" {
			return &ValidationError{Msg: "rule value must not be empty"}
		}
	case MatchTypeRegex:
		if _, err := regexp.Compile(r.Value); err != nil {
			return &ValidationError{Msg: fmt.Sprintf("rule pattern does not compile: %v", err)}
		}
	default:
		return &ValidationError{Msg: fmt.Sprintf("invalid match type: %q", r.MatchType)}
	}

	if r.CategoryID == "" {
		return &ValidationError{Msg: "rule must target a category"}
	}
	return nil
}

// Category is a spending category. System categories have an empty owner
// and are visible to everyone; user categories belong to one owner.
type Category struct {
	CategoryID string    `json:"category_id"`
	OwnerID    string    `json:"owner_id,omitempty"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
}

// System reports whether the category is a shared system category.
func (c *Category) System() bool {
	return c.OwnerID == ""
}

// VisibleTo reports whether the category can be targeted by the owner's rules.
func (c *Category) VisibleTo(ownerID string) bool {
	return c.System() || c.OwnerID == ownerID
}
