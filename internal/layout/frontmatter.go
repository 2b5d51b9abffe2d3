package layout

import (
	"bytes"
	"io"
)

var frontmatterFence = []byte("---")

// splitFrontmatter extracts the YAML block between the leading pair of
// "---" fences. Returns false when the document has no frontmatter.
func splitFrontmatter(content []byte) ([]byte, bool) {
	trimmed := bytes.TrimLeft(content, "\uFEFF \t\r\n")
	if !bytes.HasPrefix(trimmed, frontmatterFence) {
		return nil, false
	}
	rest := trimmed[len(frontmatterFence):]
	rest = bytes.TrimPrefix(rest, []byte("\r"))
	if len(rest) == 0 || rest[0] != '\n' {
		return nil, false
	}
	rest = rest[1:]

	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, false
	}
	return rest[:end], true
}

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}
