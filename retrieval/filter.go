package retrieval

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"

	"github.com/cookrag/cookrag/doc"
)

// FilterConfig holds C4 post-retrieval filter tuning parameters.
type FilterConfig struct {
	MinDocLen           int
	SimilarityThreshold float64
	DomainCap           int
	MMRFetch            int
}

var imageExtPattern = regexp.MustCompile(`(?i)\.(jpe?g|png|gif|webp|bmp)(\?\S*)?$`)
var imageLinePattern = regexp.MustCompile(`(?m)^Image:\s*(\S+)\s*$`)

// imageMetaKeys is the priority-ordered list of metadata keys checked for
// an image URL before falling back to scanning the document text.
var imageMetaKeys = []string{"image_url", "imageURL", "thumbnail", "photo"}

// Filter applies C4 in order: drop short documents, backfill missing
// similarities via a scored search when the backfill function is provided,
// drop below the similarity threshold (only if any similarity is known),
// and cap per source domain. It is deterministic for fixed inputs.
func Filter(ctx context.Context, docs []doc.ScoredDoc, cfg FilterConfig, backfill BackfillFunc) ([]doc.ScoredDoc, error) {
	filtered := make([]doc.ScoredDoc, 0, len(docs))
	for _, d := range docs {
		if len(strings.TrimSpace(d.Text)) < cfg.MinDocLen {
			continue
		}
		filtered = append(filtered, d)
	}

	if backfill != nil {
		var err error
		filtered, err = backfillSimilarities(ctx, filtered, cfg, backfill)
		if err != nil {
			return nil, err
		}
	}

	anyKnown := false
	for _, d := range filtered {
		if d.HasSimilarity {
			anyKnown = true
			break
		}
	}
	if anyKnown {
		kept := filtered[:0]
		for _, d := range filtered {
			if d.HasSimilarity && d.Similarity < cfg.SimilarityThreshold {
				continue
			}
			kept = append(kept, d)
		}
		filtered = kept
	}

	if cfg.DomainCap > 0 {
		filtered = capPerDomain(filtered, cfg.DomainCap)
	}

	for i := range filtered {
		filtered[i].Rank = i + 1
	}

	return filtered, nil
}

// BackfillFunc performs a scored search of the given width, used to fill
// in similarity scores for documents that arrived without one (e.g. from
// sparse-only retrieval).
type BackfillFunc func(ctx context.Context, width int) ([]doc.ScoredDoc, error)

func backfillSimilarities(ctx context.Context, docs []doc.ScoredDoc, cfg FilterConfig, backfill BackfillFunc) ([]doc.ScoredDoc, error) {
	needsBackfill := false
	for _, d := range docs {
		if !d.HasSimilarity {
			needsBackfill = true
			break
		}
	}
	if !needsBackfill {
		return docs, nil
	}

	width := len(docs)
	if cfg.MMRFetch > width {
		width = cfg.MMRFetch
	}
	scored, err := backfill(ctx, width)
	if err != nil {
		return docs, nil // backfill is best-effort
	}

	byKey := make(map[string]doc.ScoredDoc, len(scored))
	for _, s := range scored {
		byKey[matchKey(s.Document)] = s
	}

	out := make([]doc.ScoredDoc, len(docs))
	for i, d := range docs {
		if d.HasSimilarity {
			out[i] = d
			continue
		}
		if match, ok := byKey[matchKey(d.Document)]; ok {
			d.Similarity = match.Similarity
			d.HasSimilarity = match.HasSimilarity
		}
		out[i] = d
	}
	return out, nil
}

func matchKey(d doc.Document) string {
	h := sha1.Sum([]byte(truncate(d.Text, 200)))
	return d.Metadata.SourceURL + "|" + d.Metadata.Title + "|" + hex.EncodeToString(h[:])
}

func capPerDomain(docs []doc.ScoredDoc, cap int) []doc.ScoredDoc {
	counts := make(map[string]int)
	out := make([]doc.ScoredDoc, 0, len(docs))
	for _, d := range docs {
		host := hostOf(d.Metadata.SourceURL)
		if host != "" {
			if counts[host] >= cap {
				continue
			}
			counts[host]++
		}
		out = append(out, d)
	}
	return out
}

func hostOf(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// ExtractImageURL resolves the image URL for a document per the filter's
// priority order: metadata keys, then an "Image: <url>" line in the text,
// then any image-extension URL found in the text.
func ExtractImageURL(d doc.Document) string {
	if d.Metadata.ImageURL != "" {
		return d.Metadata.ImageURL
	}
	for _, key := range imageMetaKeys {
		if v, ok := d.Metadata.Extra[key]; ok && v != "" {
			return v
		}
	}
	if m := imageLinePattern.FindStringSubmatch(d.Text); m != nil {
		return m[1]
	}
	for _, word := range strings.Fields(d.Text) {
		if imageExtPattern.MatchString(word) {
			return strings.Trim(word, "<>()[]")
		}
	}
	return ""
}
