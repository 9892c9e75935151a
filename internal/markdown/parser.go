// Package markdown renders scan reports and file views as HTML through
// Goldmark, with GFM extensions and chroma syntax highlighting.
//
// Raw HTML in the source is never passed through: file names and file
// contents come from an untrusted tree and are always escaped.
package markdown

import (
	"bytes"
	"fmt"

	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

// highlightStyle is the chroma style used for code blocks and StyleCSS.
const highlightStyle = "monokai"

// Heading is a rendered heading and the id attribute goldmark gave it.
type Heading struct {
	Level int    `json:"level"`
	Title string `json:"title"`
	ID    string `json:"id"`
}

// Page is a rendered document.
type Page struct {
	HTML     string    `json:"html"`
	Title    string    `json:"title"`
	Headings []Heading `json:"headings"`
}

// Sections returns the level-2 headings, one per report section.
func (p *Page) Sections() []Heading {
	var out []Heading
	for _, h := range p.Headings {
		if h.Level == 2 {
			out = append(out, h)
		}
	}
	return out
}

// Parser converts report Markdown to HTML. It is safe for concurrent use.
type Parser struct {
	md goldmark.Markdown
}

// NewParser creates a parser with GFM tables, autolinks and highlighted
// fenced code. Unsafe rendering stays off.
func NewParser() *Parser {
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(
				highlighting.WithStyle(highlightStyle),
				highlighting.WithFormatOptions(
					chromahtml.WithClasses(true),
					chromahtml.WithLineNumbers(true),
				),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			html.WithXHTML(),
		),
	)
	return &Parser{md: md}
}

// Parse renders source and collects its headings from the same AST, so
// heading ids always match the rendered anchors.
func (p *Parser) Parse(source []byte) (*Page, error) {
	doc := p.md.Parser().Parse(text.NewReader(source))

	page := &Page{}
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		h, ok := n.(*ast.Heading)
		if !entering || !ok {
			return ast.WalkContinue, nil
		}
		heading := Heading{Level: h.Level, Title: plainText(h, source)}
		if id, ok := h.AttributeString("id"); ok {
			if b, ok := id.([]byte); ok {
				heading.ID = string(b)
			}
		}
		if page.Title == "" && h.Level == 1 {
			page.Title = heading.Title
		}
		page.Headings = append(page.Headings, heading)
		return ast.WalkSkipChildren, nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk headings: %w", err)
	}

	var buf bytes.Buffer
	if err := p.md.Renderer().Render(&buf, source, doc); err != nil {
		return nil, err
	}
	page.HTML = buf.String()
	return page, nil
}

// StyleCSS returns the stylesheet for highlighted code blocks.
func StyleCSS() (string, error) {
	var buf bytes.Buffer
	formatter := chromahtml.New(chromahtml.WithClasses(true))
	if err := formatter.WriteCSS(&buf, styles.Get(highlightStyle)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// plainText concatenates the text below n, including text nested in
// emphasis, links and code spans.
func plainText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			buf.Write(util.UnescapePunctuations(t.Segment.Value(source)))
			if t.SoftLineBreak() || t.HardLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return buf.String()
}
