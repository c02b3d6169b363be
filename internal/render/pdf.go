package render

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

// PDF renders reports locally with fpdf.
type PDF struct {
	Brand string // printed in the footer
	Clock func() time.Time
}

// NewPDF creates a local PDF renderer.
func NewPDF(brand string) *PDF {
	if brand == "" {
		brand = "Herald"
	}
	return &PDF{Brand: brand, Clock: time.Now}
}

func (p *PDF) Render(ctx context.Context, req *models.ReportRequest, art *models.Artifact) (models.RenderedDocument, error) {
	if err := ctx.Err(); err != nil {
		return models.RenderedDocument{}, err
	}
	if art == nil {
		return models.RenderedDocument{}, fmt.Errorf("render: nil artifact")
	}

	now := p.Clock()
	title := art.Title
	if title == "" {
		title = "Intelligence Report: " + req.Topic
	}
	client := req.Requester.Name
	if client == "" {
		client = "Valued Client"
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(title, true)
	pdf.SetAuthor(p.Brand, true)
	pdf.SetMargins(25, 25, 25)
	pdf.SetAutoPageBreak(true, 25)

	pdf.SetHeaderFunc(func() {
		if pdf.PageNo() == 1 {
			return
		}
		pdf.SetFont("Helvetica", "", 8)
		pdf.SetTextColor(128, 128, 128)
		pdf.CellFormat(0, 6, tr(title), "B", 1, "L", false, 0, "")
		pdf.Ln(4)
	})
	pdf.SetFooterFunc(func() {
		pdf.SetY(-18)
		pdf.SetFont("Helvetica", "", 8)
		pdf.SetTextColor(128, 128, 128)
		pdf.CellFormat(0, 6, tr(fmt.Sprintf("(c) %d %s | Confidential", now.Year(), p.Brand)), "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, fmt.Sprintf("Page %d", pdf.PageNo()), "", 0, "R", false, 0, "")
	})

	// title page
	pdf.AddPage()
	pdf.Ln(60)
	pdf.SetFont("Helvetica", "B", 22)
	pdf.SetTextColor(20, 40, 80)
	pdf.MultiCell(0, 10, tr(title), "", "C", false)
	pdf.Ln(8)
	pdf.SetFont("Helvetica", "", 12)
	pdf.SetTextColor(60, 60, 60)
	pdf.MultiCell(0, 7, tr("Prepared for: "+client), "", "C", false)
	pdf.MultiCell(0, 7, "Date: "+now.Format("January 2, 2006"), "", "C", false)

	pdf.AddPage()
	heading := func(text string) {
		pdf.SetFont("Helvetica", "B", 14)
		pdf.SetTextColor(20, 40, 80)
		pdf.MultiCell(0, 8, tr(text), "", "L", false)
		pdf.Ln(2)
	}
	paragraph := func(text string) {
		pdf.SetFont("Helvetica", "", 11)
		pdf.SetTextColor(0, 0, 0)
		pdf.MultiCell(0, 5.5, tr(text), "", "L", false)
		pdf.Ln(5)
	}

	summary := art.Summary
	if summary == "" {
		summary = "No summary provided."
	}
	heading("Executive Summary")
	paragraph(summary)
	for _, s := range art.Sections {
		if s.Title == "" || s.Content == "" || s.Content == "N/A" {
			continue
		}
		heading(s.Title)
		paragraph(s.Content)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return models.RenderedDocument{}, fmt.Errorf("render: pdf output: %w", err)
	}
	return models.RenderedDocument{
		Filename:    Filename(req),
		ContentType: "application/pdf",
		Content:     buf.Bytes(),
	}, nil
}
