// Package ingest turns uploaded documents into indexed knowledge chunks:
// extract text, split it, persist the chunks, then embed them in the
// background.
package ingest

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	"github.com/kalambet/gentable/internal/table"
)

// Page is extracted text with its 1-based source page. Formats without a
// page concept produce a single page 0.
type Page struct {
	Number int
	Text   string
}

// Document is the extracted content of one uploaded file.
type Document struct {
	Title string
	Pages []Page
}

// Extract converts a file's raw bytes into text pages based on its
// extension. Unknown extensions are treated as plain text.
func Extract(filename string, data []byte) (Document, error) {
	title := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		pages, err := extractPDF(data)
		if err != nil {
			return Document{}, err
		}
		return Document{Title: title, Pages: pages}, nil
	case ".html", ".htm":
		text, err := extractHTML(data)
		if err != nil {
			return Document{}, err
		}
		return Document{Title: title, Pages: []Page{{Text: text}}}, nil
	default:
		return Document{Title: title, Pages: []Page{{Text: string(data)}}}, nil
	}
}

// extractPDF pulls plain text per page so chunks keep their page numbers.
func extractPDF(data []byte) ([]Page, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, table.Validationf("reading pdf: %v", err)
	}

	var pages []Page
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			// A single unreadable page should not sink the document.
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		pages = append(pages, Page{Number: i, Text: text})
	}
	return pages, nil
}

// extractHTML strips markup and returns the visible text. Script and style
// bodies are dropped.
func extractHTML(data []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", table.Validationf("parsing html: %v", err)
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				if b.Len() > 0 {
					b.WriteByte('\n')
				}
				b.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return b.String(), nil
}
