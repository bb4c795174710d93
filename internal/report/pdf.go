package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/finsec/kyt/internal/models"
)

type pdfBuilder struct {
	pdf *gofpdf.Fpdf
}

func newPDFBuilder(title string) *pdfBuilder {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 20)

	b := &pdfBuilder{pdf: pdf}

	pdf.AddPage()
	pdf.SetFont("Arial", "B", 20)
	pdf.SetTextColor(33, 37, 41)
	pdf.CellFormat(0, 15, title, "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(108, 117, 125)
	pdf.CellFormat(0, 8, fmt.Sprintf("Generated: %s", time.Now().Format("January 2, 2006 3:04 PM")), "", 1, "C", false, 0, "")
	pdf.Ln(10)

	return b
}

func (b *pdfBuilder) section(title string) {
	b.pdf.SetFont("Arial", "B", 14)
	b.pdf.SetTextColor(33, 37, 41)
	b.pdf.SetFillColor(240, 240, 240)
	b.pdf.CellFormat(0, 10, title, "", 1, "L", true, 0, "")
	b.pdf.Ln(5)
}

func (b *pdfBuilder) paragraph(text string) {
	b.pdf.SetFont("Arial", "", 10)
	b.pdf.SetTextColor(33, 37, 41)
	b.pdf.MultiCell(0, 6, text, "", "L", false)
	b.pdf.Ln(5)
}

func (b *pdfBuilder) table(headers []string, rows [][]string) {
	pageWidth := 180.0
	colWidth := pageWidth / float64(len(headers))

	b.pdf.SetFont("Arial", "B", 9)
	b.pdf.SetFillColor(52, 58, 64)
	b.pdf.SetTextColor(255, 255, 255)
	for _, h := range headers {
		b.pdf.CellFormat(colWidth, 8, h, "1", 0, "C", true, 0, "")
	}
	b.pdf.Ln(-1)

	b.pdf.SetFont("Arial", "", 9)
	b.pdf.SetTextColor(33, 37, 41)
	fill := false
	for _, row := range rows {
		if fill {
			b.pdf.SetFillColor(248, 249, 250)
		} else {
			b.pdf.SetFillColor(255, 255, 255)
		}
		for _, cell := range row {
			if len(cell) > 25 {
				cell = cell[:22] + "..."
			}
			b.pdf.CellFormat(colWidth, 7, cell, "1", 0, "L", true, 0, "")
		}
		b.pdf.Ln(-1)
		fill = !fill
	}
	b.pdf.Ln(5)
}

func (b *pdfBuilder) severityChart(counts map[string]int) {
	max := 0
	for _, v := range counts {
		if v > max {
			max = v
		}
	}
	if max == 0 {
		max = 1
	}

	colors := map[string][3]int{
		"critical": {220, 53, 69},
		"high":     {253, 126, 20},
		"medium":   {255, 193, 7},
		"low":      {40, 167, 69},
	}

	for _, level := range []string{"critical", "high", "medium", "low"} {
		value := counts[level]
		b.pdf.SetFont("Arial", "", 9)
		b.pdf.SetTextColor(108, 117, 125)
		b.pdf.CellFormat(40, 6, level, "", 0, "L", false, 0, "")

		c := colors[level]
		b.pdf.SetFillColor(c[0], c[1], c[2])
		b.pdf.CellFormat(float64(value)/float64(max)*100, 6, "", "", 0, "L", true, 0, "")

		b.pdf.SetTextColor(33, 37, 41)
		b.pdf.CellFormat(30, 6, fmt.Sprintf(" %d", value), "", 1, "L", false, 0, "")
	}
	b.pdf.Ln(5)
}

func (b *pdfBuilder) output() ([]byte, error) {
	b.pdf.SetFooterFunc(func() {
		b.pdf.SetY(-15)
		b.pdf.SetFont("Arial", "I", 8)
		b.pdf.SetTextColor(128, 128, 128)
		b.pdf.CellFormat(0, 10, fmt.Sprintf("Page %d", b.pdf.PageNo()), "", 0, "C", false, 0, "")
	})

	var buf bytes.Buffer
	if err := b.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate PDF: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderPDF renders a report body for the export endpoint. The content hash
// is printed so a reader can verify the PDF against the stored report.
func RenderPDF(runID string, body *models.ReportBody) ([]byte, error) {
	b := newPDFBuilder("Transaction Audit Report")

	b.section("Run")
	b.paragraph(fmt.Sprintf("Run %s. %d transactions analyzed, %d findings, %d sanctions matches.",
		runID, body.Summary.Transactions, body.Summary.FindingsTotal, body.Summary.SanctionsMatches))
	if body.Degraded {
		b.paragraph("One or more sections were unavailable when this report was synthesized.")
	}

	b.section("Findings by Severity")
	b.severityChart(body.Summary.BySeverity)

	if len(body.HighSeverityFindings) > 0 {
		b.section(fmt.Sprintf("High-Severity Findings (%d)", len(body.HighSeverityFindings)))
		rows := make([][]string, 0, len(body.HighSeverityFindings))
		for _, f := range body.HighSeverityFindings {
			rows = append(rows, []string{
				f.TransactionID,
				f.PatternType,
				string(f.Severity),
				fmt.Sprintf("%.2f", f.Confidence),
			})
		}
		b.table([]string{"Transaction", "Pattern", "Severity", "Confidence"}, rows)
	}

	if len(body.SanctionsSection) > 0 {
		b.section("Sanctions Matches")
		rows := make([][]string, 0, len(body.SanctionsSection))
		for _, m := range body.SanctionsSection {
			rows = append(rows, []string{
				m.EntityID,
				m.MatchedListEntryID,
				fmt.Sprintf("%.2f", m.MatchConfidence),
			})
		}
		b.table([]string{"Entity", "List Entry", "Confidence"}, rows)
	}

	for _, section := range []models.ReportSection{body.Narrative, body.Forensic, body.Compliance} {
		b.section(section.Title)
		b.paragraph(section.Body)
	}

	b.section("Integrity")
	b.paragraph("SHA-256: " + body.ContentHash)

	return b.output()
}
