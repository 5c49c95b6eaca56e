package ingest

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestDetectHeaderMappings(t *testing.T) {
	headers := []string{"Item Code", "Product Name", "Unit Price", "SOH", "Currency", "Brand"}
	mappings := DetectHeaderMappings(headers)

	byField := map[string]HeaderMapping{}
	for _, m := range mappings {
		byField[m.Field] = m
	}

	require.Equal(t, "Item Code", byField[FieldSKU].Column)
	require.Equal(t, "Product Name", byField[FieldName].Column)
	require.Equal(t, "Unit Price", byField[FieldPrice].Column)
	require.Equal(t, "SOH", byField[FieldQty].Column)
	require.Equal(t, "Currency", byField[FieldCurrency].Column)
	require.Equal(t, "Brand", byField[FieldBrand].Column)

	require.Equal(t, 1.0, byField[FieldSKU].Confidence)
}

func TestDetectHeaderMappingsSubstring(t *testing.T) {
	mappings := DetectHeaderMappings([]string{"Supplier SKU Number", "Cost Price (excl)"})
	byField := map[string]HeaderMapping{}
	for _, m := range mappings {
		byField[m.Field] = m
	}
	require.Contains(t, byField, FieldSKU)
	require.Contains(t, byField, FieldPrice)
	require.InDelta(t, 0.8, byField[FieldSKU].Confidence, 0.001)
}

func TestParseNumeric(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"R 1,234.50", "1234.5", true},
		{"$99.99", "99.99", true},
		{"1 234,56", "1234.56", true},
		{"12,50", "12.5", true},
		{"-5", "-5", true},
		{"n/a", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseNumeric(tc.in)
		require.Equal(t, tc.ok, ok, "input %q", tc.in)
		if ok {
			want, err := decimal.NewFromString(tc.want)
			require.NoError(t, err)
			require.True(t, got.Equal(want), "input %q got %s", tc.in, got)
		}
	}
}

func TestNormalizeCurrency(t *testing.T) {
	require.Equal(t, "ZAR", NormalizeCurrency("R"))
	require.Equal(t, "ZAR", NormalizeCurrency("rand"))
	require.Equal(t, "USD", NormalizeCurrency("$"))
	require.Equal(t, "EUR", NormalizeCurrency(" euro "))
	require.Equal(t, "", NormalizeCurrency("doubloons"))
}

func TestParseCSV(t *testing.T) {
	content := []byte("SKU,Name,Price,Qty,Currency,Colour\n" +
		"A-100,Widget,R 10.50,5,ZAR,Red\n" +
		"A-101,Gadget,\"1,200.00\",0,R,Blue\n" +
		"\n" +
		"A-102,Sprocket,15,,ZAR,\n")

	p := NewParser("ZAR")
	result, err := p.Parse(FileTypeCSV, content, "")
	require.NoError(t, err)
	require.Len(t, result.Rows, 3)
	require.Equal(t, 1, result.SkippedRows)

	first := result.Rows[0]
	require.Equal(t, "A-100", first.SupplierSKU)
	require.Equal(t, "Widget", first.Name)
	require.True(t, first.Price.Equal(decimal.RequireFromString("10.50")))
	require.NotNil(t, first.QtyOnHand)
	require.EqualValues(t, 5, *first.QtyOnHand)
	require.Equal(t, "ZAR", first.Currency)
	require.Equal(t, "Red", first.Attrs["Colour"])

	second := result.Rows[1]
	require.True(t, second.Price.Equal(decimal.RequireFromString("1200")))
	require.Equal(t, "ZAR", second.Currency)

	third := result.Rows[2]
	require.Nil(t, third.QtyOnHand)
}

func TestParseCurrencyOverride(t *testing.T) {
	content := []byte("SKU,Name,Price\n" +
		"A-100,Widget,10.50\n")

	p := NewParser("ZAR")
	result, err := p.Parse(FileTypeCSV, content, "$")
	require.NoError(t, err)
	require.Equal(t, "USD", result.Rows[0].Currency)

	// A currency column on the row still beats the upload-level override.
	content = []byte("SKU,Name,Price,Currency\n" +
		"A-100,Widget,10.50,rand\n")
	result, err = p.Parse(FileTypeCSV, content, "USD")
	require.NoError(t, err)
	require.Equal(t, "ZAR", result.Rows[0].Currency)
}

func TestParseRequiresSKUColumn(t *testing.T) {
	content := []byte("Name,Price\nWidget,10\n")
	p := NewParser("ZAR")
	_, err := p.Parse(FileTypeCSV, content, "")
	require.ErrorIs(t, err, ErrNoSKUColumn)
}

func TestParseEmptyFile(t *testing.T) {
	p := NewParser("ZAR")
	_, err := p.Parse(FileTypeCSV, []byte("SKU,Price\n"), "")
	require.ErrorIs(t, err, ErrEmptyFile)
}

func TestDetectFileType(t *testing.T) {
	ft, err := DetectFileType("prices.CSV")
	require.NoError(t, err)
	require.Equal(t, FileTypeCSV, ft)

	ft, err = DetectFileType("prices.xlsx")
	require.NoError(t, err)
	require.Equal(t, FileTypeXLSX, ft)

	_, err = DetectFileType("prices.pdf")
	require.ErrorIs(t, err, ErrUnsupportedFileType)
}
