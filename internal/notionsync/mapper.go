package notionsync

import (
	"github.com/dvloznov/import-pipeline/internal/domain"
	"github.com/jomei/notionapi"
)

func richText(content string) []notionapi.RichText {
	return []notionapi.RichText{
		{
			Type: notionapi.ObjectTypeText,
			Text: &notionapi.Text{
				Content: content,
			},
		},
	}
}

// TransactionToNotionProperties converts a stored transaction to the Notion
// page properties of the Transactions database. The Transaction ID title
// property is the match key for upserts.
func TransactionToNotionProperties(tx *domain.Transaction) notionapi.Properties {
	props := notionapi.Properties{
		"Transaction ID": notionapi.TitleProperty{
			Title: richText(tx.TransactionID),
		},
		"Amount": notionapi.NumberProperty{
			Number: tx.Amount,
		},
	}

	if tx.MerchantName != "" {
		props["Merchant"] = notionapi.RichTextProperty{
			RichText: richText(tx.MerchantName),
		}
	}

	if tx.Description != "" {
		props["Description"] = notionapi.RichTextProperty{
			RichText: richText(tx.Description),
		}
	}

	if !tx.Date.IsZero() {
		d := notionapi.Date(tx.Date)
		props["Date"] = notionapi.DateProperty{
			Date: &notionapi.DateObject{
				Start: &d,
			},
		}
	}

	if tx.Currency != "" {
		props["Currency"] = notionapi.SelectProperty{
			Select: notionapi.Option{
				Name: tx.Currency,
			},
		}
	}

	if tx.CategoryName != "" {
		props["Category"] = notionapi.SelectProperty{
			Select: notionapi.Option{
				Name: tx.CategoryName,
			},
		}
	}

	if tx.Method != "" && tx.Method != domain.MethodNone {
		props["Categorized By"] = notionapi.SelectProperty{
			Select: notionapi.Option{
				Name: string(tx.Method),
			},
		}
	}

	if tx.BatchID != "" {
		props["Batch"] = notionapi.RichTextProperty{
			RichText: richText(tx.BatchID),
		}
	}

	props["Needs Review"] = notionapi.CheckboxProperty{
		Checkbox: tx.CategoryID == "",
	}

	return props
}
