package analytics

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/Ft2801/progetto-PA/internal/model"
	"github.com/Ft2801/progetto-PA/internal/store"
)

// Export formats accepted by GET /producer/earnings/export.
const (
	FormatPDF  = "pdf"
	FormatXLSX = "xlsx"
)

// StatementLine aggregates one day of a producer's sales.
type StatementLine struct {
	Date         string          `json:"date"`
	Reservations int             `json:"reservations"`
	Kwh          decimal.Decimal `json:"kwh"`
	Amount       decimal.Decimal `json:"amount"`
}

// Statement is a producer's earnings over a date range.
type Statement struct {
	ProducerID  int64            `json:"producerId"`
	EnergyType  model.EnergyType `json:"energyType"`
	From        string           `json:"from"`
	To          string           `json:"to"`
	Lines       []StatementLine  `json:"lines"`
	TotalKwh    decimal.Decimal  `json:"totalKwh"`
	TotalAmount decimal.Decimal  `json:"totalAmount"`
	GeneratedAt time.Time        `json:"generatedAt"`
}

// Statement groups a producer's reserved reservations in range per date.
// Days without sales are omitted. Amounts are rounded to 4 places and
// quantities to 3.
func (s *Service) Statement(ctx context.Context, producerID int64, rawRange string) (*Statement, error) {
	start, end, err := s.cal.ParseRange(rawRange)
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetProducer(ctx, producerID)
	if err != nil {
		return nil, err
	}
	rs, err := s.store.ListReservations(ctx, store.ReservationFilter{
		ProducerID: producerID, DateFrom: start, DateTo: end, Status: model.StatusReserved,
	})
	if err != nil {
		return nil, err
	}

	stmt := &Statement{
		ProducerID:  producerID,
		EnergyType:  p.EnergyType,
		From:        start,
		To:          end,
		Lines:       []StatementLine{},
		GeneratedAt: s.clock.Now(),
	}
	// rs is ordered by date, so each day is a contiguous run.
	for _, r := range rs {
		n := len(stmt.Lines)
		if n == 0 || stmt.Lines[n-1].Date != r.Date {
			stmt.Lines = append(stmt.Lines, StatementLine{Date: r.Date})
			n++
		}
		line := &stmt.Lines[n-1]
		line.Reservations++
		line.Kwh = line.Kwh.Add(r.Kwh)
		line.Amount = line.Amount.Add(r.Cost())
	}
	for i := range stmt.Lines {
		line := &stmt.Lines[i]
		stmt.TotalKwh = stmt.TotalKwh.Add(line.Kwh)
		stmt.TotalAmount = stmt.TotalAmount.Add(line.Amount)
		line.Kwh = model.RoundKwh(line.Kwh)
		line.Amount = model.RoundCredit(line.Amount)
	}
	stmt.TotalKwh = model.RoundKwh(stmt.TotalKwh)
	stmt.TotalAmount = model.RoundCredit(stmt.TotalAmount)
	return stmt, nil
}

// Render encodes a statement in the given format and returns the bytes with
// their content type.
func Render(stmt *Statement, format string) ([]byte, string, error) {
	switch format {
	case FormatPDF, "":
		b, err := BuildStatementPDF(stmt)
		return b, "application/pdf", err
	case FormatXLSX:
		b, err := BuildStatementXLSX(stmt)
		return b, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", err
	default:
		return nil, "", fmt.Errorf("%w: unknown export format %q", model.ErrInvalidRequest, format)
	}
}

// BuildStatementPDF renders a minimal PDF for a statement.
func BuildStatementPDF(stmt *Statement) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Earnings Statement")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Producer: %d (%s)", stmt.ProducerID, stmt.EnergyType))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Period: %s to %s", stmt.From, stmt.To))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", stmt.GeneratedAt.Format(time.RFC3339)))
	pdf.Ln(5)

	pdf.Ln(4)
	pdf.Cell(0, 6, fmt.Sprintf("Total Energy (kWh): %s", stmt.TotalKwh.StringFixed(3)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Total Amount: %s", stmt.TotalAmount.StringFixed(4)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(40, 6, "Day", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Reservations", "1", 0, "C", false, 0, "")
	pdf.CellFormat(50, 6, "Energy (kWh)", "1", 0, "C", false, 0, "")
	pdf.CellFormat(50, 6, "Amount", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, line := range stmt.Lines {
		pdf.CellFormat(40, 6, line.Date, "1", 0, "C", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%d", line.Reservations), "1", 0, "R", false, 0, "")
		pdf.CellFormat(50, 6, line.Kwh.StringFixed(3), "1", 0, "R", false, 0, "")
		pdf.CellFormat(50, 6, line.Amount.StringFixed(4), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildStatementXLSX renders a summary sheet and a per-day sheet.
func BuildStatementXLSX(stmt *Statement) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	daysSheet := "days"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(daysSheet); err != nil {
		return nil, err
	}

	totalKwh, _ := stmt.TotalKwh.Float64()
	totalAmount, _ := stmt.TotalAmount.Float64()
	_ = f.SetCellValue(summarySheet, "A1", "Earnings Statement")
	_ = f.SetCellValue(summarySheet, "A3", "Producer")
	_ = f.SetCellValue(summarySheet, "B3", stmt.ProducerID)
	_ = f.SetCellValue(summarySheet, "A4", "Energy Type")
	_ = f.SetCellValue(summarySheet, "B4", string(stmt.EnergyType))
	_ = f.SetCellValue(summarySheet, "A5", "From")
	_ = f.SetCellValue(summarySheet, "B5", stmt.From)
	_ = f.SetCellValue(summarySheet, "A6", "To")
	_ = f.SetCellValue(summarySheet, "B6", stmt.To)
	_ = f.SetCellValue(summarySheet, "A7", "Total Energy (kWh)")
	_ = f.SetCellValue(summarySheet, "B7", totalKwh)
	_ = f.SetCellValue(summarySheet, "A8", "Total Amount")
	_ = f.SetCellValue(summarySheet, "B8", totalAmount)

	_ = f.SetCellValue(daysSheet, "A1", "Day")
	_ = f.SetCellValue(daysSheet, "B1", "Reservations")
	_ = f.SetCellValue(daysSheet, "C1", "Energy (kWh)")
	_ = f.SetCellValue(daysSheet, "D1", "Amount")
	for i, line := range stmt.Lines {
		row := i + 2
		kwh, _ := line.Kwh.Float64()
		amount, _ := line.Amount.Float64()
		_ = f.SetCellValue(daysSheet, fmt.Sprintf("A%d", row), line.Date)
		_ = f.SetCellValue(daysSheet, fmt.Sprintf("B%d", row), line.Reservations)
		_ = f.SetCellValue(daysSheet, fmt.Sprintf("C%d", row), kwh)
		_ = f.SetCellValue(daysSheet, fmt.Sprintf("D%d", row), amount)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
