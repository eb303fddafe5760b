package content

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/joestump/runbookd/internal/errs"
)

// Provider macro markup is rewritten to plain divs before parsing so the
// renderer can emit bracketed markers instead of dropping the content.
var (
	macroOpenRe  = regexp.MustCompile(`<ac:structured-macro[^>]*ac:name="([a-zA-Z0-9-]+)"[^>]*>`)
	macroCloseRe = regexp.MustCompile(`</ac:structured-macro>`)
	macroBodyRe  = regexp.MustCompile(`</?ac:(rich-text|plain-text)-body>`)
	macroParamRe = regexp.MustCompile(`(?s)<ac:parameter[^>]*>.*?</ac:parameter>`)
	cdataRe      = regexp.MustCompile(`(?s)<!\[CDATA\[(.*?)\]\]>`)
)

// PreserveMacros rewrites provider-specific macro blocks (info, warning,
// note, tip, code, expand) into div wrappers the HTML renderer understands.
func PreserveMacros(raw string) string {
	out := macroParamRe.ReplaceAllString(raw, "")
	out = macroOpenRe.ReplaceAllString(out, `<div data-macro="$1">`)
	out = macroCloseRe.ReplaceAllString(out, `</div>`)
	out = macroBodyRe.ReplaceAllString(out, "")
	out = cdataRe.ReplaceAllString(out, "$1")
	return out
}

func processHTML(data []byte) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(PreserveMacros(string(data)))))
	if err != nil {
		return nil, errs.Wrap(errs.CodeParse, err, "parse html")
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	text := RenderDocument(doc)

	return &Result{
		Title:      title,
		Content:    text,
		Searchable: buildSearchable(text),
		Metadata:   map[string]any{},
	}, nil
}

// RenderDocument converts a parsed HTML document to normalized text,
// dropping scripts, styles, and navigation chrome.
func RenderDocument(doc *goquery.Document) string {
	doc.Find("script, style, nav, footer").Remove()

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}

	var sb strings.Builder
	for _, n := range root.Nodes {
		renderNode(n, &sb)
	}
	return tidy(sb.String())
}

// RenderSelection converts an HTML selection (e.g. a CSS-selected content
// region) to normalized text.
func RenderSelection(sel *goquery.Selection) string {
	var sb strings.Builder
	for _, n := range sel.Nodes {
		renderNode(n, &sb)
	}
	return tidy(sb.String())
}

// HTMLToText converts an HTML or storage-format fragment to normalized
// text with macro markers preserved.
func HTMLToText(raw string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(PreserveMacros(raw)))
	if err != nil {
		return collapseWS(raw)
	}
	return RenderDocument(doc)
}

func renderNode(n *html.Node, sb *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(collapseWS(n.Data))
		return
	case html.ElementNode:
		// handled below
	default:
		renderChildren(n, sb)
		return
	}

	switch n.Data {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		level := int(n.Data[1] - '0')
		sb.WriteString("\n" + strings.Repeat("#", level) + " ")
		renderChildren(n, sb)
		sb.WriteByte('\n')
	case "ul":
		sb.WriteByte('\n')
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.Data == "li" {
				sb.WriteString("- ")
				renderChildren(c, sb)
				sb.WriteByte('\n')
			}
		}
	case "ol":
		sb.WriteByte('\n')
		num := 1
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.Data == "li" {
				sb.WriteString(strconv.Itoa(num) + ". ")
				renderChildren(c, sb)
				sb.WriteByte('\n')
				num++
			}
		}
	case "code":
		if n.Parent != nil && n.Parent.Type == html.ElementNode && n.Parent.Data == "pre" {
			renderChildren(n, sb)
			return
		}
		sb.WriteByte('`')
		renderChildren(n, sb)
		sb.WriteByte('`')
	case "pre":
		sb.WriteString("\n```\n")
		var inner strings.Builder
		rawText(n, &inner)
		sb.WriteString(strings.TrimRight(inner.String(), "\n"))
		sb.WriteString("\n```\n")
	case "br":
		sb.WriteByte('\n')
	case "p", "section", "article", "table", "tr":
		sb.WriteByte('\n')
		renderChildren(n, sb)
		sb.WriteByte('\n')
	case "div":
		if macro := attr(n, "data-macro"); macro != "" {
			renderMacro(n, macro, sb)
			return
		}
		sb.WriteByte('\n')
		renderChildren(n, sb)
		sb.WriteByte('\n')
	default:
		renderChildren(n, sb)
	}
}

// renderMacro emits a macro block as a bracketed marker line, or a fence
// for code macros.
func renderMacro(n *html.Node, name string, sb *strings.Builder) {
	if name == "code" {
		sb.WriteString("\n```\n")
		var inner strings.Builder
		rawText(n, &inner)
		sb.WriteString(strings.TrimSpace(inner.String()))
		sb.WriteString("\n```\n")
		return
	}
	var inner strings.Builder
	renderChildren(n, &inner)
	sb.WriteString("\n[" + strings.ToUpper(name) + "] " + strings.TrimSpace(collapseWS(inner.String())) + "\n")
}

func renderChildren(n *html.Node, sb *strings.Builder) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderNode(c, sb)
	}
}

// rawText collects text content without whitespace collapsing, for code.
func rawText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		rawText(c, sb)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

var multiWS = regexp.MustCompile(`[ \t]+`)
var multiNL = regexp.MustCompile(`\n{3,}`)

func collapseWS(s string) string {
	return multiWS.ReplaceAllString(strings.ReplaceAll(s, "\n", " "), " ")
}

func tidy(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	out := strings.Join(lines, "\n")
	out = multiNL.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
