// Package contextbuild implements the context builder (C11): selection,
// deduplication, markdown reformatting, image alignment, and length
// capping of the grounding context handed to the answer generator.
package contextbuild

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/cookrag/cookrag/doc"
	"github.com/cookrag/cookrag/retrieval"
)

// Config holds C11 tuning parameters.
type Config struct {
	MaxDocs   int // default 5
	MaxLength int // default 6000, in bytes
}

// Result is the built context together with the image URLs and raw doc
// texts aligned to the documents actually selected.
type Result struct {
	ContextText    string
	SelectedImages []string
	SelectedTexts  []string
}

var headingPattern = regexp.MustCompile(`(?m)^(#{1,6})\s*(.+)$`)
var sourceLinePattern = regexp.MustCompile(`(?mi)^(Source|출처):\s*\S+\s*$`)
var imageLinePattern = regexp.MustCompile(`(?mi)^Image:\s*\S+\s*$`)
var blankLinesPattern = regexp.MustCompile(`\n{3,}`)

const minDocLen = 20

// Build iterates docs in order, drops short ones, deduplicates on a
// text-prefix hash, reformats markdown, collects aligned image URLs, and
// stops after MaxDocs. The result is concatenated with a horizontal rule
// and truncated to at most MaxLength bytes (the byte length, not the
// character count), cut back to the last space before the limit when
// there is one.
func Build(docs []doc.ScoredDoc, cfg Config) Result {
	if cfg.MaxDocs <= 0 {
		cfg.MaxDocs = 5
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 6000
	}

	seen := make(map[string]bool)
	var parts []string
	var images []string
	var texts []string

	for _, d := range docs {
		if len(parts) >= cfg.MaxDocs {
			break
		}
		if len(strings.TrimSpace(d.Text)) < minDocLen {
			continue
		}
		key := prefixHash(d.Text)
		if seen[key] {
			continue
		}
		seen[key] = true

		parts = append(parts, reformat(d.Text))
		texts = append(texts, d.Text)
		images = append(images, retrieval.ExtractImageURL(d.Document))
	}

	contextText := strings.Join(parts, "\n\n---\n\n")
	if len(contextText) > cfg.MaxLength {
		contextText = truncateOnWordBoundary(contextText, cfg.MaxLength)
	}

	return Result{ContextText: contextText, SelectedImages: images, SelectedTexts: texts}
}

func prefixHash(text string) string {
	prefix := text
	if len(prefix) > 200 {
		prefix = prefix[:200]
	}
	h := sha1.Sum([]byte(prefix))
	return hex.EncodeToString(h[:])
}

// reformat normalizes markdown headings to a consistent level, strips
// inline Source:/Image: lines, and collapses excess blank lines.
func reformat(text string) string {
	t := sourceLinePattern.ReplaceAllString(text, "")
	t = imageLinePattern.ReplaceAllString(t, "")
	t = headingPattern.ReplaceAllStringFunc(t, func(m string) string {
		groups := headingPattern.FindStringSubmatch(m)
		return "## " + strings.TrimSpace(groups[2])
	})
	t = blankLinesPattern.ReplaceAllString(t, "\n\n")
	return strings.TrimSpace(t)
}

func truncateOnWordBoundary(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := strings.LastIndex(s[:n], " ")
	if cut <= 0 {
		cut = n
	}
	return s[:cut]
}
