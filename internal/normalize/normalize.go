// Package normalize turns raw email bodies into sectioned plain text.
//
// HTML is parsed with goquery; table cells and line breaks become explicit
// whitespace so that text patterns written against the rendered email still
// match across the original markup.
package normalize

import (
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	xhtml "golang.org/x/net/html"
)

// SectionFullContent is the only section produced when no structure is found.
const SectionFullContent = "full_content"

// financeKeywords mark a paragraph as transaction-bearing.
var financeKeywords = []string{
	"monto", "destinatario", "referencia", "fecha", "estado",
	"transacción", "transaccion", "transferencia", "compra", "pago",
	"retiro", "tarjeta", "cuenta", "banco", "sinpe",
	"amount", "merchant", "reference", "purchase", "payment",
}

var (
	financialDivClass = regexp.MustCompile(`(?i)transaction|amount|recipient|reference`)
	htmlMarker        = regexp.MustCompile(`(?i)<\s*(html|body|table|div|p|br|td|span|font|center)\b`)
	tagPattern        = regexp.MustCompile(`(?s)<[^>]*>`)
	spaceRun          = regexp.MustCompile(`[ \t\f\v\x{00a0}]+`)
	blankLines        = regexp.MustCompile(`\n{2,}`)
)

// Content is the normalized form of one email body.
type Content struct {
	Sections map[string]string
	FullText string
	HTML     string

	order []string
	doc   *goquery.Document
}

// Document returns the parsed HTML tree, or nil for plain-text bodies and
// bodies that could not be parsed.
func (c *Content) Document() *goquery.Document {
	return c.doc
}

// SectionNames returns section names in discovery order.
func (c *Content) SectionNames() []string {
	return append([]string(nil), c.order...)
}

// Combined renders all sections as "=== NAME ===" blocks.
func (c *Content) Combined() string {
	var b strings.Builder
	for i, name := range c.order {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "=== %s ===\n%s", strings.ToUpper(name), c.Sections[name])
	}
	return b.String()
}

func (c *Content) addSection(name, text string) {
	if text == "" {
		return
	}
	if c.Sections == nil {
		c.Sections = make(map[string]string)
	}
	c.Sections[name] = text
	c.order = append(c.order, name)
}

// IsHTML reports whether a body should be treated as HTML.
func IsHTML(body, mimeHint string) bool {
	if strings.Contains(strings.ToLower(mimeHint), "html") {
		return true
	}
	return htmlMarker.MatchString(body)
}

// Normalize converts a raw body into sectioned text. It never fails: bodies
// that cannot be parsed are tag-stripped into a single full_content section.
func Normalize(body, mimeHint string) (c *Content) {
	if !IsHTML(body, mimeHint) {
		text := collapse(html.UnescapeString(body))
		c = &Content{FullText: text}
		c.addSection(SectionFullContent, text)
		return c
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Warn("html normalization failed, falling back to tag strip", "error", r)
			c = stripFallback(body)
		}
	}()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		slog.Debug("html parse failed", "error", err)
		return stripFallback(body)
	}

	c = &Content{HTML: body, doc: doc}
	c.FullText = collapse(selectionText(doc.Selection))

	// 1. Top-level tables
	doc.Find("table").
		FilterFunction(func(_ int, s *goquery.Selection) bool {
			return s.ParentsFiltered("table").Length() == 0
		}).
		Each(func(i int, s *goquery.Selection) {
			c.addSection(fmt.Sprintf("table_%d", i), collapse(selectionText(s)))
		})

	// 2. Paragraphs carrying finance keywords
	n := 0
	doc.Find("p").Each(func(_ int, s *goquery.Selection) {
		text := collapse(selectionText(s))
		if hasFinanceKeyword(text) {
			c.addSection(fmt.Sprintf("financial_paragraph_%d", n), text)
			n++
		}
	})

	// 3. Divs whose class names a transaction part
	n = 0
	doc.Find("div[class]").Each(func(_ int, s *goquery.Selection) {
		class, _ := s.Attr("class")
		if !financialDivClass.MatchString(class) {
			return
		}
		c.addSection(fmt.Sprintf("financial_div_%d", n), collapse(selectionText(s)))
		n++
	})

	if len(c.order) == 0 {
		c.addSection(SectionFullContent, c.FullText)
	}
	return c
}

func stripFallback(body string) *Content {
	text := collapse(html.UnescapeString(tagPattern.ReplaceAllString(body, " ")))
	c := &Content{FullText: text, HTML: body}
	c.addSection(SectionFullContent, text)
	return c
}

func hasFinanceKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range financeKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// selectionText renders nodes as text with cell and line separators.
func selectionText(s *goquery.Selection) string {
	var b strings.Builder
	for _, n := range s.Nodes {
		writeNode(&b, n)
	}
	return b.String()
}

func writeNode(b *strings.Builder, n *xhtml.Node) {
	switch n.Type {
	case xhtml.TextNode:
		b.WriteString(n.Data)
		return
	case xhtml.CommentNode:
		return
	case xhtml.ElementNode:
		switch n.Data {
		case "script", "style", "head", "title":
			return
		case "br":
			b.WriteString("\n")
			return
		}
	}

	for child := n.FirstChild; child != nil; child = child.NextSibling {
		writeNode(b, child)
	}

	if n.Type != xhtml.ElementNode {
		return
	}
	switch n.Data {
	case "td", "th":
		b.WriteString("  ")
	case "tr", "p", "div", "li", "h1", "h2", "h3", "h4", "h5", "h6", "table", "ul", "ol":
		b.WriteString("\n")
	}
}

// collapse squeezes horizontal whitespace and blank lines and trims each line.
func collapse(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
		if line != "" {
			out = append(out, line)
		}
	}
	return blankLines.ReplaceAllString(strings.Join(out, "\n"), "\n")
}
