// Package content normalizes raw upstream payloads into the canonical
// document shape: a title, full text content, a distilled searchable
// projection, and extracted metadata.
package content

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/antchfx/xmlquery"
	"gopkg.in/yaml.v3"

	"github.com/joestump/runbookd/internal/errs"
)

// Format identifies a payload format.
type Format string

// Recognized formats. FormatAuto defers to detection.
const (
	FormatAuto     Format = "auto"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatJSON     Format = "json"
	FormatXML      Format = "xml"
	FormatYAML     Format = "yaml"
	FormatText     Format = "text"
)

// MaxPayload is the default size cap. Oversized payloads are rejected
// with PAYLOAD_TOO_LARGE and skipped by indexers.
const MaxPayload = 10 << 20

// searchableBodyCap bounds how much of the body feeds the projection.
const searchableBodyCap = 1024

// flattenDepth bounds structured-payload flattening.
const flattenDepth = 3

// Input is a raw payload plus whatever hints the adapter has.
type Input struct {
	Data []byte
	// Hint is the configured format; FormatAuto or empty falls through
	// to MIME, then URL extension, then sniffing.
	Hint Format
	MIME string
	URL  string
	// MaxSize overrides MaxPayload when positive.
	MaxSize int
}

// Result is a normalized document body.
type Result struct {
	Title      string
	Content    string
	Searchable string
	Metadata   map[string]any
}

// Process normalizes a payload. The returned metadata always includes the
// detected format under "format".
func Process(in Input) (*Result, error) {
	cap := in.MaxSize
	if cap <= 0 {
		cap = MaxPayload
	}
	if len(in.Data) > cap {
		return nil, errs.New(errs.CodePayloadTooLarge, "payload is %d bytes (cap %d)", len(in.Data), cap)
	}

	format := Detect(in)

	var (
		res *Result
		err error
	)
	switch format {
	case FormatMarkdown:
		res, err = processMarkdown(in.Data)
	case FormatHTML:
		res, err = processHTML(in.Data)
	case FormatJSON:
		res, err = processJSON(in.Data)
	case FormatXML:
		res, err = processXML(in.Data)
	case FormatYAML:
		res, err = processYAML(in.Data)
	default:
		res, err = processText(in.Data), nil
	}
	if err != nil {
		return nil, err
	}

	if res.Metadata == nil {
		res.Metadata = make(map[string]any)
	}
	res.Metadata["format"] = string(format)
	return res, nil
}

// Detect picks a format: explicit hint, then MIME, then URL extension,
// then content sniffing.
func Detect(in Input) Format {
	if in.Hint != "" && in.Hint != FormatAuto {
		return in.Hint
	}
	if f := fromMIME(in.MIME); f != "" {
		return f
	}
	if f := fromExtension(in.URL); f != "" {
		return f
	}
	return sniff(in.Data)
}

func fromMIME(mime string) Format {
	mime = strings.ToLower(strings.TrimSpace(strings.SplitN(mime, ";", 2)[0]))
	switch {
	case mime == "text/markdown":
		return FormatMarkdown
	case mime == "text/html", mime == "application/xhtml+xml":
		return FormatHTML
	case mime == "application/json", strings.HasSuffix(mime, "+json"):
		return FormatJSON
	case mime == "application/xml", mime == "text/xml", strings.HasSuffix(mime, "+xml"):
		return FormatXML
	case mime == "application/yaml", mime == "text/yaml", mime == "application/x-yaml":
		return FormatYAML
	case mime == "text/plain":
		return FormatText
	}
	return ""
}

func fromExtension(url string) Format {
	switch strings.ToLower(path.Ext(strings.SplitN(url, "?", 2)[0])) {
	case ".md", ".markdown", ".mdx":
		return FormatMarkdown
	case ".html", ".htm", ".xhtml":
		return FormatHTML
	case ".json":
		return FormatJSON
	case ".xml":
		return FormatXML
	case ".yml", ".yaml":
		return FormatYAML
	case ".txt", ".rst", ".adoc":
		return FormatText
	}
	return ""
}

func sniff(data []byte) Format {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return FormatText
	}
	switch trimmed[0] {
	case '{', '[':
		if json.Valid(trimmed) {
			return FormatJSON
		}
	case '<':
		if bytes.HasPrefix(trimmed, []byte("<?xml")) {
			return FormatXML
		}
		return FormatHTML
	}
	if bytes.HasPrefix(trimmed, []byte("# ")) || bytes.Contains(trimmed, []byte("\n## ")) {
		return FormatMarkdown
	}
	return FormatText
}

// --- structured payloads ---

func processJSON(data []byte) (*Result, error) {
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, errs.Wrap(errs.CodeParse, err, "parse json")
	}

	title := pickTitle(tree)
	var sb strings.Builder
	flatten(tree, "", 0, &sb)

	return &Result{
		Title:      title,
		Content:    string(data),
		Searchable: sb.String(),
		Metadata:   map[string]any{"parsed": tree},
	}, nil
}

// pickTitle looks for a title-like key at the top of a parsed tree.
func pickTitle(tree any) string {
	m, ok := tree.(map[string]any)
	if !ok {
		return ""
	}
	for _, k := range []string{"title", "name", "id"} {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// flatten writes "key: value" lines for keys and string leaves down to
// flattenDepth levels.
func flatten(v any, prefix string, depth int, sb *strings.Builder) {
	if depth > flattenDepth {
		return
	}
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			full := k
			if prefix != "" {
				full = prefix + "." + k
			}
			flatten(t[k], full, depth+1, sb)
		}
	case []any:
		for _, item := range t {
			flatten(item, prefix, depth+1, sb)
		}
	case string:
		fmt.Fprintf(sb, "%s: %s\n", prefix, t)
	case float64:
		fmt.Fprintf(sb, "%s: %v\n", prefix, t)
	case bool:
		fmt.Fprintf(sb, "%s: %v\n", prefix, t)
	}
}

func processXML(data []byte) (*Result, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, errs.Wrap(errs.CodeParse, err, "parse xml")
	}

	var sb strings.Builder
	var title string
	for _, n := range xmlquery.Find(doc, "//*") {
		if n.FirstChild != nil && n.FirstChild.Type == xmlquery.TextNode {
			text := strings.TrimSpace(n.FirstChild.Data)
			if text == "" {
				continue
			}
			if title == "" && (n.Data == "title" || n.Data == "name") {
				title = text
			}
			fmt.Fprintf(&sb, "%s: %s\n", n.Data, text)
		}
	}

	return &Result{
		Title:      title,
		Content:    sb.String(),
		Searchable: clip(sb.String(), searchableBodyCap),
		Metadata:   map[string]any{},
	}, nil
}

func processYAML(data []byte) (*Result, error) {
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, errs.Wrap(errs.CodeParse, err, "parse yaml")
	}

	var sb strings.Builder
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := tree[k].(type) {
		case string, int, int64, float64, bool:
			fmt.Fprintf(&sb, "%s: %v\n", k, v)
		default:
			fmt.Fprintf(&sb, "%s\n", k)
		}
	}

	return &Result{
		Title:      pickTitleYAML(tree),
		Content:    string(data),
		Searchable: sb.String(),
		Metadata:   map[string]any{"parsed": tree},
	}, nil
}

func pickTitleYAML(tree map[string]any) string {
	for _, k := range []string{"title", "name"} {
		if v, ok := tree[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// --- plain text ---

func processText(data []byte) *Result {
	text := string(data)
	title := firstNonEmptyLine(text)
	return &Result{
		Title:      title,
		Content:    text,
		Searchable: buildSearchable(text),
		Metadata:   map[string]any{},
	}
}

func firstNonEmptyLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			return strings.TrimLeft(t, "# ")
		}
	}
	return ""
}

// buildSearchable assembles the projection for text-like content: all
// headings, all list items, and the first chunk of the body.
func buildSearchable(text string) string {
	var sb strings.Builder
	for _, line := range strings.Split(text, "\n") {
		t := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(t, "#"):
			sb.WriteString(strings.TrimSpace(strings.TrimLeft(t, "# ")))
			sb.WriteByte('\n')
		case strings.HasPrefix(t, "- "), strings.HasPrefix(t, "* "), numberedLine(t):
			sb.WriteString(t)
			sb.WriteByte('\n')
		}
	}
	sb.WriteString(clip(text, searchableBodyCap))
	return sb.String()
}

func numberedLine(s string) bool {
	for i, r := range s {
		if r >= '0' && r <= '9' {
			continue
		}
		return i > 0 && (r == '.' || r == ')') && i+1 < len(s) && s[i+1] == ' '
	}
	return false
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
