package ingest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// canonical field names produced by header mapping.
const (
	FieldSKU         = "supplier_sku"
	FieldName        = "name"
	FieldDescription = "description"
	FieldBrand       = "brand"
	FieldCategory    = "category"
	FieldUOM         = "uom"
	FieldPackSize    = "pack_size"
	FieldBarcode     = "barcode"
	FieldLocation    = "location"
	FieldPrice       = "price"
	FieldCurrency    = "currency"
	FieldQty         = "qty_on_hand"
)

// fieldPatterns maps canonical fields to the header spellings suppliers use.
// Order matters: the first field to claim a column wins.
var fieldPatterns = []struct {
	field    string
	patterns []string
}{
	{FieldSKU, []string{"sku", "supplier_sku", "item_code", "product_code", "part_number", "stock_code", "item", "code"}},
	{FieldName, []string{"name", "product_name", "item_name", "description_short", "title", "product"}},
	{FieldPrice, []string{"price", "unit_price", "cost", "unit_cost", "cost_price", "list_price", "amount", "rate"}},
	{FieldQty, []string{"qty", "quantity", "stock", "on_hand", "soh", "qty_on_hand", "available", "stock_qty"}},
	{FieldCurrency, []string{"currency", "curr", "ccy"}},
	{FieldBrand, []string{"brand", "manufacturer", "make", "vendor_brand"}},
	{FieldCategory, []string{"category", "cat", "product_category", "group", "department"}},
	{FieldUOM, []string{"uom", "unit", "unit_of_measure", "pack_uom"}},
	{FieldPackSize, []string{"pack_size", "pack", "case_size", "units_per_pack"}},
	{FieldBarcode, []string{"barcode", "ean", "upc", "gtin"}},
	{FieldLocation, []string{"location", "warehouse", "branch", "store", "depot", "site"}},
	{FieldDescription, []string{"description", "long_description", "details", "notes"}},
}

// currencyAliases normalises the currency spellings seen in supplier files.
var currencyAliases = map[string]string{
	"R":      "ZAR",
	"RAND":   "ZAR",
	"RANDS":  "ZAR",
	"ZAR":    "ZAR",
	"$":      "USD",
	"DOLLAR": "USD",
	"USD":    "USD",
	"US$":    "USD",
	"€":      "EUR",
	"EURO":   "EUR",
	"EUR":    "EUR",
	"£":      "GBP",
	"POUND":  "GBP",
	"GBP":    "GBP",
}

// ParseResult carries the rows and column bindings produced by a parse.
type ParseResult struct {
	Rows        []StagedRow
	Mappings    []HeaderMapping
	SkippedRows int
}

// Parser turns CSV or XLSX payloads into staged rows.
type Parser struct {
	defaultCurrency string
}

// NewParser constructs a Parser. Rows without a currency column fall back to
// defaultCurrency.
func NewParser(defaultCurrency string) *Parser {
	if defaultCurrency == "" {
		defaultCurrency = "ZAR"
	}
	return &Parser{defaultCurrency: defaultCurrency}
}

// Parse reads the file content and returns staged rows with header mappings.
// currency overrides the parser default for rows without a currency column;
// pass empty to keep the default.
func (p *Parser) Parse(fileType FileType, content []byte, currency string) (ParseResult, error) {
	var records [][]string
	var blankLines int
	var err error
	switch fileType {
	case FileTypeCSV:
		records, blankLines, err = readCSV(content)
	case FileTypeXLSX:
		records, err = readXLSX(content)
	default:
		return ParseResult{}, ErrUnsupportedFileType
	}
	if err != nil {
		return ParseResult{}, err
	}
	if len(records) < 2 {
		return ParseResult{}, ErrEmptyFile
	}

	mappings := DetectHeaderMappings(records[0])
	fieldByCol := make(map[int]string, len(mappings))
	for i, header := range records[0] {
		for _, m := range mappings {
			if m.Column == strings.TrimSpace(header) {
				fieldByCol[i] = m.Field
			}
		}
	}
	hasSKU := false
	for _, f := range fieldByCol {
		if f == FieldSKU {
			hasSKU = true
		}
	}
	if !hasSKU {
		return ParseResult{}, ErrNoSKUColumn
	}

	rowCurrency := p.defaultCurrency
	if normalized := NormalizeCurrency(currency); normalized != "" {
		rowCurrency = normalized
	} else if currency != "" {
		rowCurrency = strings.ToUpper(strings.TrimSpace(currency))
	}

	result := ParseResult{Mappings: mappings, SkippedRows: blankLines}
	for i, record := range records[1:] {
		rowNum := i + 2
		if isBlankRecord(record) {
			result.SkippedRows++
			continue
		}
		row := StagedRow{RowNumber: rowNum, Currency: rowCurrency, Attrs: map[string]string{}}
		for col, raw := range record {
			value := CollapseWhitespace(raw)
			field, mapped := fieldByCol[col]
			if !mapped {
				if value != "" && col < len(records[0]) {
					row.Attrs[CollapseWhitespace(records[0][col])] = value
				}
				continue
			}
			switch field {
			case FieldSKU:
				row.SupplierSKU = value
			case FieldName:
				row.Name = value
			case FieldDescription:
				row.Description = value
			case FieldBrand:
				row.Brand = value
			case FieldCategory:
				row.CategoryRaw = value
			case FieldUOM:
				row.UOM = value
			case FieldPackSize:
				row.PackSize = value
			case FieldBarcode:
				row.Barcode = value
			case FieldLocation:
				row.Location = value
			case FieldCurrency:
				if ccy := NormalizeCurrency(value); ccy != "" {
					row.Currency = ccy
				} else if value != "" {
					row.Currency = strings.ToUpper(value)
				}
			case FieldPrice:
				if d, ok := ParseNumeric(value); ok {
					row.Price = d
				}
			case FieldQty:
				if d, ok := ParseNumeric(value); ok {
					qty := d.IntPart()
					row.QtyOnHand = &qty
				}
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if len(result.Rows) == 0 {
		return ParseResult{}, ErrEmptyFile
	}
	return result, nil
}

// DetectFileType resolves the file type from a file name.
func DetectFileType(fileName string) (FileType, error) {
	lower := strings.ToLower(fileName)
	switch {
	case strings.HasSuffix(lower, ".csv"):
		return FileTypeCSV, nil
	case strings.HasSuffix(lower, ".xlsx"), strings.HasSuffix(lower, ".xlsm"):
		return FileTypeXLSX, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFileType, fileName)
	}
}

// DetectHeaderMappings binds spreadsheet headers to canonical fields with a
// confidence score. Exact matches win over substring matches, and each
// canonical field binds at most one column.
func DetectHeaderMappings(headers []string) []HeaderMapping {
	var mappings []HeaderMapping
	claimedField := map[string]bool{}
	for _, spec := range fieldPatterns {
		best := HeaderMapping{}
		for _, header := range headers {
			trimmed := strings.TrimSpace(header)
			norm := normalizeHeader(trimmed)
			if norm == "" {
				continue
			}
			for _, pattern := range spec.patterns {
				confidence := 0.0
				switch {
				case norm == pattern:
					confidence = 1.0
				case strings.Contains(norm, pattern):
					confidence = 0.8
				case strings.Contains(pattern, norm) && len(norm) >= 3:
					confidence = 0.6
				}
				if confidence > best.Confidence {
					best = HeaderMapping{Column: trimmed, Field: spec.field, Confidence: confidence}
				}
			}
		}
		if best.Confidence >= 0.5 && !claimedField[spec.field] && !columnClaimed(mappings, best.Column) {
			claimedField[spec.field] = true
			mappings = append(mappings, best)
		}
	}
	return mappings
}

func columnClaimed(mappings []HeaderMapping, column string) bool {
	for _, m := range mappings {
		if m.Column == column {
			return true
		}
	}
	return false
}

func normalizeHeader(header string) string {
	lower := strings.ToLower(strings.TrimSpace(header))
	var b strings.Builder
	prevUnderscore := false
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevUnderscore = false
		default:
			if !prevUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				prevUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

// ParseNumeric cleans a raw cell value and parses it as a decimal. Currency
// symbols, spaces, and thousands separators are stripped. A lone comma is
// treated as the decimal separator.
func ParseNumeric(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, false
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',', r == '-':
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return decimal.Zero, false
	}
	if strings.Contains(cleaned, ",") {
		if strings.Contains(cleaned, ".") {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		} else if strings.Count(cleaned, ",") == 1 {
			cleaned = strings.ReplaceAll(cleaned, ",", ".")
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// NormalizeCurrency maps supplier currency spellings to ISO codes. Unknown
// values return an empty string.
func NormalizeCurrency(raw string) string {
	key := strings.ToUpper(strings.TrimSpace(raw))
	return currencyAliases[key]
}

// CollapseWhitespace trims and collapses runs of whitespace to single spaces.
func CollapseWhitespace(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}

func isBlankRecord(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// readCSV also reports how many physical lines were blank, because the csv
// reader swallows empty lines before they can be counted as skipped records.
func readCSV(content []byte) ([][]string, int, error) {
	reader := csv.NewReader(bytes.NewReader(content))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	var records [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("ingest: read csv: %w", err)
		}
		records = append(records, record)
	}

	blank := 0
	lines := strings.Split(string(content), "\n")
	for i, line := range lines {
		if i == len(lines)-1 && line == "" {
			continue // trailing newline, not a row
		}
		if strings.TrimSpace(line) == "" {
			blank++
		}
	}
	return records, blank, nil
}

func readXLSX(content []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("ingest: open workbook: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyFile
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("ingest: read sheet %s: %w", sheets[0], err)
	}
	return rows, nil
}
