// Package export renders stored settlement figures as CSV, XLSX and PDF.
// Nothing here computes a fee: every amount is copied from the row it was
// given.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"
)

const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
	FormatPDF  = "pdf"

	dateLayout = "2006-01-02"
)

// Row is one settlement item joined with its settlement header.
type Row struct {
	SettlementID         string
	SellerID             string
	PeriodStart          time.Time
	PeriodEnd            time.Time
	Status               string
	Currency             string
	PayoutReference      string
	SettlementCreatedAt  time.Time
	LineNo               int
	TransactionID        string
	TransactionCreatedAt time.Time
	GrossAmount          int64
	PlatformFee          int64
	ProcessorFee         int64
	NetAmount            int64
}

// Line is one item on a statement.
type Line struct {
	LineNo               int
	TransactionID        string
	TransactionCreatedAt time.Time
	GrossAmount          int64
	PlatformFee          int64
	ProcessorFee         int64
	NetAmount            int64
}

// Statement is a single settlement as printed for the seller.
type Statement struct {
	SettlementID    string
	SellerID        string
	PeriodStart     time.Time
	PeriodEnd       time.Time
	Status          string
	Currency        string
	PlatformRate    string
	ProcessorRate   string
	TotalGross      int64
	PlatformFee     int64
	ProcessorFee    int64
	NetAmount       int64
	BankName        string
	AccountNumber   string
	AccountHolder   string
	PayoutReference string
	CreatedAt       time.Time
	PaidAt          *time.Time
	Lines           []Line
}

// Totals sums the amount columns of rows.
type Totals struct {
	Items        int
	GrossAmount  int64
	PlatformFee  int64
	ProcessorFee int64
	NetAmount    int64
}

func Sum(rows []Row) Totals {
	t := Totals{Items: len(rows)}
	for _, r := range rows {
		t.GrossAmount += r.GrossAmount
		t.PlatformFee += r.PlatformFee
		t.ProcessorFee += r.ProcessorFee
		t.NetAmount += r.NetAmount
	}
	return t
}

var header = []string{
	"settlement_id",
	"seller_id",
	"period_start",
	"period_end",
	"status",
	"currency",
	"payout_reference",
	"settlement_created_at",
	"line_no",
	"transaction_id",
	"transaction_created_at",
	"gross_amount",
	"platform_fee",
	"processor_fee",
	"net_amount",
}

func (r Row) record() []string {
	return []string{
		r.SettlementID,
		r.SellerID,
		r.PeriodStart.UTC().Format(time.RFC3339),
		r.PeriodEnd.UTC().Format(time.RFC3339),
		r.Status,
		r.Currency,
		r.PayoutReference,
		r.SettlementCreatedAt.UTC().Format(time.RFC3339),
		strconv.Itoa(r.LineNo),
		r.TransactionID,
		r.TransactionCreatedAt.UTC().Format(time.RFC3339),
		strconv.FormatInt(r.GrossAmount, 10),
		strconv.FormatInt(r.PlatformFee, 10),
		strconv.FormatInt(r.ProcessorFee, 10),
		strconv.FormatInt(r.NetAmount, 10),
	}
}

// WriteCSV writes a header line and one line per row.
func WriteCSV(w io.Writer, rows []Row) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		if err := writer.Write(r.record()); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// BuildXLSX renders rows on an "items" sheet and their totals on a
// "summary" sheet.
func BuildXLSX(rows []Row) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	itemsSheet := "items"
	summarySheet := "summary"
	if err := f.SetSheetName("Sheet1", itemsSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, err
	}

	for i, h := range header {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(itemsSheet, cell, h)
	}
	for i, r := range rows {
		rowNum := i + 2
		values := []interface{}{
			r.SettlementID,
			r.SellerID,
			r.PeriodStart.UTC().Format(time.RFC3339),
			r.PeriodEnd.UTC().Format(time.RFC3339),
			r.Status,
			r.Currency,
			r.PayoutReference,
			r.SettlementCreatedAt.UTC().Format(time.RFC3339),
			r.LineNo,
			r.TransactionID,
			r.TransactionCreatedAt.UTC().Format(time.RFC3339),
			r.GrossAmount,
			r.PlatformFee,
			r.ProcessorFee,
			r.NetAmount,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, rowNum)
			_ = f.SetCellValue(itemsSheet, cell, v)
		}
	}

	totals := Sum(rows)
	totalRow := len(rows) + 2
	_ = f.SetCellValue(itemsSheet, fmt.Sprintf("A%d", totalRow), "TOTAL")
	_ = f.SetCellValue(itemsSheet, fmt.Sprintf("L%d", totalRow), totals.GrossAmount)
	_ = f.SetCellValue(itemsSheet, fmt.Sprintf("M%d", totalRow), totals.PlatformFee)
	_ = f.SetCellValue(itemsSheet, fmt.Sprintf("N%d", totalRow), totals.ProcessorFee)
	_ = f.SetCellValue(itemsSheet, fmt.Sprintf("O%d", totalRow), totals.NetAmount)

	_ = f.SetCellValue(summarySheet, "A1", "Settlement Export")
	_ = f.SetCellValue(summarySheet, "A3", "Items")
	_ = f.SetCellValue(summarySheet, "B3", totals.Items)
	_ = f.SetCellValue(summarySheet, "A4", "Gross Amount")
	_ = f.SetCellValue(summarySheet, "B4", totals.GrossAmount)
	_ = f.SetCellValue(summarySheet, "A5", "Platform Fee")
	_ = f.SetCellValue(summarySheet, "B5", totals.PlatformFee)
	_ = f.SetCellValue(summarySheet, "A6", "Processor Fee")
	_ = f.SetCellValue(summarySheet, "B6", totals.ProcessorFee)
	_ = f.SetCellValue(summarySheet, "A7", "Net Amount")
	_ = f.SetCellValue(summarySheet, "B7", totals.NetAmount)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildStatementPDF renders one settlement statement.
func BuildStatementPDF(stmt *Statement) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Settlement Statement")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Settlement: %s", stmt.SettlementID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Seller: %s", stmt.SellerID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Period: %s to %s",
		stmt.PeriodStart.UTC().Format(dateLayout), stmt.PeriodEnd.UTC().Format(dateLayout)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Status: %s", stmt.Status))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", stmt.CreatedAt.UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	if stmt.PaidAt != nil {
		pdf.Cell(0, 6, fmt.Sprintf("Paid: %s", stmt.PaidAt.UTC().Format(time.RFC3339)))
		pdf.Ln(5)
	}
	if stmt.BankName != "" || stmt.AccountNumber != "" {
		pdf.Cell(0, 6, fmt.Sprintf("Payout to: %s %s (%s)", stmt.BankName, stmt.AccountNumber, stmt.AccountHolder))
		pdf.Ln(5)
	}
	if stmt.PayoutReference != "" {
		pdf.Cell(0, 6, fmt.Sprintf("Reference: %s", stmt.PayoutReference))
		pdf.Ln(5)
	}

	pdf.Ln(4)
	pdf.Cell(0, 6, fmt.Sprintf("Gross (%s): %d", stmt.Currency, stmt.TotalGross))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Platform fee @ %s: %d", stmt.PlatformRate, stmt.PlatformFee))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Processor fee @ %s: %d", stmt.ProcessorRate, stmt.ProcessorFee))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Net payable (%s): %d", stmt.Currency, stmt.NetAmount))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(12, 6, "#", "1", 0, "C", false, 0, "")
	pdf.CellFormat(58, 6, "Transaction", "1", 0, "C", false, 0, "")
	pdf.CellFormat(24, 6, "Date", "1", 0, "C", false, 0, "")
	pdf.CellFormat(24, 6, "Gross", "1", 0, "C", false, 0, "")
	pdf.CellFormat(24, 6, "Platform", "1", 0, "C", false, 0, "")
	pdf.CellFormat(24, 6, "Processor", "1", 0, "C", false, 0, "")
	pdf.CellFormat(24, 6, "Net", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, line := range stmt.Lines {
		pdf.CellFormat(12, 6, strconv.Itoa(line.LineNo), "1", 0, "C", false, 0, "")
		pdf.CellFormat(58, 6, line.TransactionID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(24, 6, line.TransactionCreatedAt.UTC().Format(dateLayout), "1", 0, "C", false, 0, "")
		pdf.CellFormat(24, 6, strconv.FormatInt(line.GrossAmount, 10), "1", 0, "R", false, 0, "")
		pdf.CellFormat(24, 6, strconv.FormatInt(line.PlatformFee, 10), "1", 0, "R", false, 0, "")
		pdf.CellFormat(24, 6, strconv.FormatInt(line.ProcessorFee, 10), "1", 0, "R", false, 0, "")
		pdf.CellFormat(24, 6, strconv.FormatInt(line.NetAmount, 10), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ContentType returns the response media type for a format.
func ContentType(format string) string {
	switch format {
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatPDF:
		return "application/pdf"
	default:
		return "text/csv; charset=utf-8"
	}
}
