package workspace

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentbureau/bureau/pkg/errdefs"
)

// ReadYAMLFile loads a YAML file into out
func ReadYAMLFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errdefs.NotFoundf("file %s", path)
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return errdefs.Validationf("failed to parse %s: %v", path, err)
	}
	return nil
}

// WriteYAMLFile marshals v and writes it atomically
func WriteYAMLFile(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal yaml for %s: %w", path, err)
	}
	return WriteFileAtomic(path, data, 0644)
}

const frontmatterDelim = "---\n"

// ParseFrontmatter splits a markdown document into its leading YAML block
// and the body. The document must begin with a ---\n ... \n---\n block.
func ParseFrontmatter(data []byte) (meta []byte, body string, err error) {
	if !bytes.HasPrefix(data, []byte(frontmatterDelim)) {
		return nil, "", errdefs.Validationf("missing frontmatter block")
	}
	rest := data[len(frontmatterDelim):]
	idx := bytes.Index(rest, []byte("\n"+frontmatterDelim))
	if idx < 0 {
		// Allow a document that is frontmatter only, closed without a
		// trailing body.
		if bytes.HasSuffix(rest, []byte("\n---")) {
			return rest[:len(rest)-len("\n---")], "", nil
		}
		return nil, "", errdefs.Validationf("unterminated frontmatter block")
	}
	meta = rest[:idx+1]
	body = string(rest[idx+1+len(frontmatterDelim):])
	return meta, body, nil
}

// ComposeFrontmatter renders meta as the YAML frontmatter block followed
// by body. The body always ends in a newline.
func ComposeFrontmatter(meta any, body string) ([]byte, error) {
	y, err := yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(frontmatterDelim)
	buf.Write(y)
	buf.WriteString(frontmatterDelim)
	buf.WriteString(body)
	if body != "" && !strings.HasSuffix(body, "\n") {
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}

// ReadFrontmatterFile reads path and decodes its frontmatter into meta,
// returning the body.
func ReadFrontmatterFile(path string, meta any) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errdefs.NotFoundf("file %s", path)
		}
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	rawMeta, body, err := ParseFrontmatter(data)
	if err != nil {
		return "", errdefs.Validationf("%s: %v", path, err)
	}
	if err := yaml.Unmarshal(rawMeta, meta); err != nil {
		return "", errdefs.Validationf("failed to parse frontmatter of %s: %v", path, err)
	}
	return body, nil
}

// WriteFrontmatterFile composes and atomically writes a frontmatter file
func WriteFrontmatterFile(path string, meta any, body string) error {
	data, err := ComposeFrontmatter(meta, body)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0644)
}
