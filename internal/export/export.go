// Package export converts a markdown summary into a downloadable PDF
// document.
package export

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

const (
	// FileName is the fixed download name for the exported document.
	FileName = "health_summary.pdf"
	// ContentType is the MIME type of the exported document.
	ContentType = "application/pdf"

	documentTitle = "Health Summary"

	bodyFontSize    = 11
	lineHeight      = 5.5
	listIndent      = 6.0
	tableLineHeight = 7.0
)

var headingSizes = [6]float64{18, 16, 14, 13, 12, 11}

// Summary renders the given markdown summary as a PDF byte stream. The
// recognized markup is fixed: headings 1-6, paragraphs, nested
// unordered/ordered lists, and simple tables with a header row.
func Summary(markdown string) ([]byte, error) {
	source := []byte(markdown)
	parsed := goldmark.New(goldmark.WithExtensions(extension.Table)).
		Parser().Parse(text.NewReader(source))

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	r := &renderer{
		pdf:    pdf,
		source: source,
		tr:     pdf.UnicodeTranslatorFromDescriptor(""),
	}
	r.title(documentTitle)

	for node := parsed.FirstChild(); node != nil; node = node.NextSibling() {
		r.block(node, 0)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

type renderer struct {
	pdf    *fpdf.Fpdf
	source []byte
	tr     func(string) string
}

func (r *renderer) title(s string) {
	r.pdf.SetFont("Helvetica", "B", 22)
	r.pdf.CellFormat(0, 12, r.tr(s), "", 1, "L", false, 0, "")
	r.pdf.Ln(2)
}

func (r *renderer) block(node ast.Node, depth int) {
	switch n := node.(type) {
	case *ast.Heading:
		level := n.Level
		if level < 1 {
			level = 1
		}
		if level > 6 {
			level = 6
		}
		r.pdf.SetFont("Helvetica", "B", headingSizes[level-1])
		r.pdf.CellFormat(0, lineHeight+3, r.tr(r.text(n)), "", 1, "L", false, 0, "")
		r.pdf.Ln(1)
	case *ast.Paragraph, *ast.TextBlock:
		r.pdf.SetFont("Helvetica", "", bodyFontSize)
		r.pdf.SetX(r.pdf.GetX() + float64(depth)*listIndent)
		r.pdf.MultiCell(0, lineHeight, r.tr(r.text(n)), "", "L", false)
		if depth == 0 {
			r.pdf.Ln(1)
		}
	case *ast.List:
		r.list(n, depth)
		if depth == 0 {
			r.pdf.Ln(1)
		}
	case *east.Table:
		r.table(n)
		r.pdf.Ln(2)
	case *ast.ThematicBreak:
		r.pdf.Ln(2)
	default:
		// Unrecognized block: flatten to plain text.
		if content := r.text(n); content != "" {
			r.pdf.SetFont("Helvetica", "", bodyFontSize)
			r.pdf.MultiCell(0, lineHeight, r.tr(content), "", "L", false)
		}
	}
}

func (r *renderer) list(list *ast.List, depth int) {
	index := list.Start
	if index == 0 {
		index = 1
	}
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		marker := "-"
		if list.IsOrdered() {
			marker = fmt.Sprintf("%d.", index)
			index++
		}

		for child := item.FirstChild(); child != nil; child = child.NextSibling() {
			if nested, ok := child.(*ast.List); ok {
				r.list(nested, depth+1)
				continue
			}
			r.pdf.SetFont("Helvetica", "", bodyFontSize)
			indent := 10.0 + float64(depth)*listIndent
			r.pdf.SetX(indent)
			r.pdf.MultiCell(0, lineHeight, r.tr(marker+" "+r.text(child)), "", "L", false)
		}
	}
}

func (r *renderer) table(tbl *east.Table) {
	var header []string
	var rows [][]string

	for child := tbl.FirstChild(); child != nil; child = child.NextSibling() {
		switch row := child.(type) {
		case *east.TableHeader:
			header = r.cells(row)
		case *east.TableRow:
			rows = append(rows, r.cells(row))
		}
	}

	columns := len(header)
	for _, row := range rows {
		if len(row) > columns {
			columns = len(row)
		}
	}
	if columns == 0 {
		return
	}

	pageWidth, _ := r.pdf.GetPageSize()
	left, _, right, _ := r.pdf.GetMargins()
	cellWidth := (pageWidth - left - right) / float64(columns)

	if len(header) > 0 {
		r.pdf.SetFont("Helvetica", "B", bodyFontSize)
		r.tableRow(header, columns, cellWidth)
	}
	r.pdf.SetFont("Helvetica", "", bodyFontSize)
	for _, row := range rows {
		r.tableRow(row, columns, cellWidth)
	}
}

func (r *renderer) tableRow(cells []string, columns int, cellWidth float64) {
	for i := 0; i < columns; i++ {
		var content string
		if i < len(cells) {
			content = cells[i]
		}
		r.pdf.CellFormat(cellWidth, tableLineHeight, r.tr(content), "1", 0, "L", false, 0, "")
	}
	r.pdf.Ln(tableLineHeight)
}

func (r *renderer) cells(row ast.Node) []string {
	var cells []string
	for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
		cells = append(cells, r.text(cell))
	}
	return cells
}

// text flattens a node subtree to its plain text, dropping inline styling.
func (r *renderer) text(node ast.Node) string {
	var sb strings.Builder
	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(r.source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.AutoLink:
			sb.Write(t.URL(r.source))
		}
		return ast.WalkContinue, nil
	})
	return sb.String()
}
