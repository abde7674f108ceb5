package export

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func sampleRows() []Row {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 31, 23, 59, 59, 0, time.UTC)
	created := time.Date(2024, 4, 10, 9, 0, 0, 0, time.UTC)
	return []Row{
		{
			SettlementID: "STL_1", SellerID: "seller-1", PeriodStart: start, PeriodEnd: end,
			Status: "PENDING", Currency: "KRW", SettlementCreatedAt: created,
			LineNo: 1, TransactionID: "txn-1", TransactionCreatedAt: start.Add(time.Hour),
			GrossAmount: 10000, PlatformFee: 1000, ProcessorFee: 350, NetAmount: 8650,
		},
		{
			SettlementID: "STL_1", SellerID: "seller-1", PeriodStart: start, PeriodEnd: end,
			Status: "PENDING", Currency: "KRW", SettlementCreatedAt: created,
			LineNo: 2, TransactionID: "txn-2", TransactionCreatedAt: start.Add(2 * time.Hour),
			GrossAmount: 7500, PlatformFee: 750, ProcessorFee: 263, NetAmount: 6487,
		},
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleRows()))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, header, records[0])
	assert.Equal(t, "txn-2", records[2][9])
	assert.Equal(t, "263", records[2][13])
	assert.Equal(t, "6487", records[2][14])
	assert.Equal(t, "2024-03-01T00:00:00Z", records[1][2])
}

func TestWriteCSVEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestBuildXLSX(t *testing.T) {
	data, err := BuildXLSX(sampleRows())
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	v, err := f.GetCellValue("items", "J3")
	require.NoError(t, err)
	assert.Equal(t, "txn-2", v)

	v, err = f.GetCellValue("items", "A4")
	require.NoError(t, err)
	assert.Equal(t, "TOTAL", v)

	v, err = f.GetCellValue("items", "O4")
	require.NoError(t, err)
	assert.Equal(t, "15137", v)

	v, err = f.GetCellValue("summary", "B3")
	require.NoError(t, err)
	assert.Equal(t, "2", v)

	v, err = f.GetCellValue("summary", "B4")
	require.NoError(t, err)
	assert.Equal(t, "17500", v)
}

func TestBuildStatementPDF(t *testing.T) {
	paid := time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC)
	stmt := &Statement{
		SettlementID:  "STL_1",
		SellerID:      "seller-1",
		PeriodStart:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:     time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
		Status:        "PAID",
		Currency:      "KRW",
		PlatformRate:  "0.1",
		ProcessorRate: "0.035",
		TotalGross:    17500,
		PlatformFee:   1750,
		ProcessorFee:  613,
		NetAmount:     15137,
		BankName:      "Hana",
		AccountNumber: "123-456",
		AccountHolder: "Seller One",
		CreatedAt:     time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC),
		PaidAt:        &paid,
		Lines: []Line{
			{LineNo: 1, TransactionID: "txn-1", GrossAmount: 10000, PlatformFee: 1000, ProcessorFee: 350, NetAmount: 8650},
			{LineNo: 2, TransactionID: "txn-2", GrossAmount: 7500, PlatformFee: 750, ProcessorFee: 263, NetAmount: 6487},
		},
	}

	data, err := BuildStatementPDF(stmt)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))
}

func TestSum(t *testing.T) {
	totals := Sum(sampleRows())
	assert.Equal(t, Totals{Items: 2, GrossAmount: 17500, PlatformFee: 1750, ProcessorFee: 613, NetAmount: 15137}, totals)
}
