package content

import (
	"bytes"

	"gopkg.in/yaml.v3"
)

var frontMatterFence = []byte("---")

// ExtractFrontMatter splits a fenced `---` YAML front-matter block from a
// document body. It returns the parsed metadata (nil when absent or
// unparsable; a broken block is a PARSE-class condition the caller may
// ignore) and the remaining body.
func ExtractFrontMatter(data []byte) (map[string]any, []byte) {
	trimmed := bytes.TrimLeft(data, "\uFEFF\n\r")
	if !bytes.HasPrefix(trimmed, frontMatterFence) {
		return nil, data
	}

	rest := trimmed[len(frontMatterFence):]
	if len(rest) > 0 && rest[0] == '\r' {
		rest = rest[1:]
	}
	if len(rest) == 0 || rest[0] != '\n' {
		return nil, data
	}
	rest = rest[1:]

	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, data
	}

	block := rest[:end]
	body := rest[end+len("\n---"):]
	body = bytes.TrimLeft(body, "-")
	body = bytes.TrimLeft(body, "\r\n")

	var meta map[string]any
	if err := yaml.Unmarshal(block, &meta); err != nil {
		return nil, data
	}
	return meta, body
}
