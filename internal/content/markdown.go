package content

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

var mdParser = goldmark.New(goldmark.WithExtensions(extension.GFM))

// processMarkdown keeps markdown as content verbatim and derives the title
// and the searchable projection from the parsed AST: the first heading
// becomes the title; headings and list items feed the projection.
func processMarkdown(data []byte) (*Result, error) {
	meta, body := ExtractFrontMatter(data)

	doc := mdParser.Parser().Parse(text.NewReader(body))

	var (
		title    string
		headings []string
		items    []string
	)

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			t := nodeText(node, body)
			if t != "" {
				headings = append(headings, t)
				if title == "" {
					title = t
				}
			}
		case *ast.ListItem:
			t := firstLineOf(nodeText(node, body))
			if t != "" {
				items = append(items, t)
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	if title == "" {
		title = firstNonEmptyLine(string(body))
	}

	var sb strings.Builder
	for _, h := range headings {
		sb.WriteString(h)
		sb.WriteByte('\n')
	}
	for _, it := range items {
		sb.WriteString(it)
		sb.WriteByte('\n')
	}
	sb.WriteString(clip(string(body), searchableBodyCap))

	md := make(map[string]any, len(meta))
	for k, v := range meta {
		md[k] = v
	}

	return &Result{
		Title:      title,
		Content:    string(body),
		Searchable: sb.String(),
		Metadata:   md,
	}, nil
}

// nodeText collects the raw text of all Text descendants of n.
func nodeText(n ast.Node, source []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := c.(*ast.Text); ok {
			sb.Write(t.Segment.Value(source))
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}

func firstLineOf(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
