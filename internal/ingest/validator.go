package ingest

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Finding codes emitted by the validator.
const (
	CodeMissingSKU      = "missing_sku"
	CodeMissingName     = "missing_name"
	CodeMissingCategory = "missing_category"
	CodeInvalidPrice    = "invalid_price"
	CodeZeroPrice       = "zero_price"
	CodeNegativeQty     = "negative_qty"
	CodeMissingQty      = "missing_qty"
	CodeUnknownCurrency = "unknown_currency"
	CodeDuplicateSKU    = "duplicate_sku"
	CodeLongSKU         = "long_sku"
)

const maxSKULength = 64

// knownCurrencies is the accepted ISO code set.
var knownCurrencies = map[string]bool{
	"ZAR": true, "USD": true, "EUR": true, "GBP": true,
	"AUD": true, "CAD": true, "JPY": true, "CNY": true,
	"KRW": true, "INR": true, "BWP": true, "NAD": true,
}

// Validator checks staged rows before merge.
type Validator struct{}

// NewValidator constructs a Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate inspects rows and produces the per-upload summary. Rows with at
// least one error finding count as error rows; duplicate SKUs keep the first
// occurrence and downgrade later ones to warnings.
func (v *Validator) Validate(rows []StagedRow) ValidationSummary {
	summary := ValidationSummary{
		TotalRows:      len(rows),
		EstimatedValue: decimal.Zero,
	}

	firstBySKU := make(map[string]int, len(rows))
	for i, row := range rows {
		sku := strings.ToUpper(strings.TrimSpace(row.SupplierSKU))
		if sku == "" {
			continue
		}
		if _, ok := firstBySKU[sku]; !ok {
			firstBySKU[sku] = i
		}
	}

	brands := map[string]bool{}
	categories := map[string]bool{}
	rowHasError := make([]bool, len(rows))
	rowHasWarning := make([]bool, len(rows))

	addFinding := func(i int, f Finding) {
		summary.Findings = append(summary.Findings, f)
		switch f.Severity {
		case SeverityError:
			rowHasError[i] = true
		case SeverityWarning:
			rowHasWarning[i] = true
		}
	}

	for i, row := range rows {
		sku := strings.TrimSpace(row.SupplierSKU)
		if sku == "" {
			addFinding(i, Finding{
				RowNumber: row.RowNumber,
				Field:     FieldSKU,
				Code:      CodeMissingSKU,
				Severity:  SeverityError,
				Message:   "supplier sku is required",
			})
		} else {
			if len(sku) > maxSKULength {
				addFinding(i, Finding{
					RowNumber:  row.RowNumber,
					Field:      FieldSKU,
					Code:       CodeLongSKU,
					Severity:   SeverityError,
					Message:    fmt.Sprintf("sku exceeds %d characters", maxSKULength),
					Suggestion: sku[:maxSKULength],
				})
			}
			if first, ok := firstBySKU[strings.ToUpper(sku)]; ok && first != i {
				addFinding(i, Finding{
					RowNumber:  row.RowNumber,
					Field:      FieldSKU,
					Code:       CodeDuplicateSKU,
					Severity:   SeverityWarning,
					Message:    fmt.Sprintf("sku %s already appeared earlier in the file, first occurrence wins", sku),
					Suggestion: "remove later duplicates",
				})
				summary.DuplicateSKUs++
			}
		}

		if strings.TrimSpace(row.Name) == "" {
			addFinding(i, Finding{
				RowNumber:  row.RowNumber,
				Field:      FieldName,
				Code:       CodeMissingName,
				Severity:   SeverityWarning,
				Message:    "product name is empty",
				Suggestion: "use the sku as a placeholder name",
			})
		}

		if strings.TrimSpace(row.CategoryRaw) == "" {
			addFinding(i, Finding{
				RowNumber:  row.RowNumber,
				Field:      FieldCategory,
				Code:       CodeMissingCategory,
				Severity:   SeverityWarning,
				Message:    "no category provided, product stays uncategorized until classified",
				Suggestion: "add a category column or run categorization after merge",
			})
		}

		switch {
		case row.Price.IsNegative():
			addFinding(i, Finding{
				RowNumber: row.RowNumber,
				Field:     FieldPrice,
				Code:      CodeInvalidPrice,
				Severity:  SeverityError,
				Message:   "price must not be negative",
			})
		case row.Price.IsZero():
			addFinding(i, Finding{
				RowNumber:  row.RowNumber,
				Field:      FieldPrice,
				Code:       CodeZeroPrice,
				Severity:   SeverityWarning,
				Message:    "price is zero or missing",
				Suggestion: "confirm supplier pricing for this sku",
			})
		}

		if row.Currency != "" && !knownCurrencies[row.Currency] {
			suggestion := ""
			if ccy := NormalizeCurrency(row.Currency); ccy != "" {
				suggestion = ccy
			}
			addFinding(i, Finding{
				RowNumber:  row.RowNumber,
				Field:      FieldCurrency,
				Code:       CodeUnknownCurrency,
				Severity:   SeverityError,
				Message:    fmt.Sprintf("unknown currency %q", row.Currency),
				Suggestion: suggestion,
			})
		}

		if row.QtyOnHand == nil {
			addFinding(i, Finding{
				RowNumber: row.RowNumber,
				Field:     FieldQty,
				Code:      CodeMissingQty,
				Severity:  SeverityInfo,
				Message:   "no stock quantity provided, stock snapshot skipped",
			})
		} else if *row.QtyOnHand < 0 {
			addFinding(i, Finding{
				RowNumber:  row.RowNumber,
				Field:      FieldQty,
				Code:       CodeNegativeQty,
				Severity:   SeverityError,
				Message:    "quantity on hand must not be negative",
				Suggestion: "0",
			})
		}

		if row.Brand != "" {
			brands[strings.ToUpper(row.Brand)] = true
		}
		if row.CategoryRaw != "" {
			categories[strings.ToUpper(row.CategoryRaw)] = true
		}
		if !rowHasError[i] && row.QtyOnHand != nil && row.Price.IsPositive() {
			qty := decimal.NewFromInt(*row.QtyOnHand)
			summary.EstimatedValue = summary.EstimatedValue.Add(row.Price.Mul(qty))
		}
	}

	for i := range rows {
		switch {
		case rowHasError[i]:
			summary.ErrorRows++
		case rowHasWarning[i]:
			summary.WarningRows++
		default:
			summary.ValidRows++
		}
	}
	// Warning rows still merge, so they count as valid too.
	summary.ValidRows += summary.WarningRows
	summary.DistinctBrands = len(brands)
	summary.DistinctCategories = len(categories)
	return summary
}

// ApplyAutoFixes applies the mechanical repairs the validator suggests and
// reports how many rows changed. It truncates over-long SKUs, backfills empty
// names from the SKU, normalises currency aliases, and clamps negative
// quantities to zero. It never invents prices or categories.
func (v *Validator) ApplyAutoFixes(rows []StagedRow) ([]StagedRow, int) {
	fixed := 0
	out := make([]StagedRow, len(rows))
	for i, row := range rows {
		changed := false

		sku := strings.TrimSpace(row.SupplierSKU)
		if len(sku) > maxSKULength {
			sku = sku[:maxSKULength]
		}
		if sku != row.SupplierSKU {
			row.SupplierSKU = sku
			changed = true
		}

		if strings.TrimSpace(row.Name) == "" && sku != "" {
			row.Name = sku
			changed = true
		}

		if row.Currency != "" && !knownCurrencies[row.Currency] {
			if ccy := NormalizeCurrency(row.Currency); ccy != "" {
				row.Currency = ccy
				changed = true
			}
		}

		if row.QtyOnHand != nil && *row.QtyOnHand < 0 {
			zero := int64(0)
			row.QtyOnHand = &zero
			changed = true
		}

		if changed {
			fixed++
		}
		out[i] = row
	}
	return out, fixed
}
