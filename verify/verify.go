// Package verify implements the grounding verifier (C6): sentence-level
// cross-encoder matching of a generated answer against retrieved document
// snippets.
package verify

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/cookrag/cookrag/rerank"
)

// ConfidenceLevel is the sub-classification attached to a Verdict.
type ConfidenceLevel string

const (
	ConfidenceHigh      ConfidenceLevel = "high"
	ConfidenceBorderline ConfidenceLevel = "borderline"
	ConfidenceWeak      ConfidenceLevel = "weak"
	ConfidenceVeryWeak  ConfidenceLevel = "very_weak"
	ConfidenceNone      ConfidenceLevel = "none"
	ConfidenceUnknown   ConfidenceLevel = "unknown"
)

// Branch is the tagged verdict outcome.
type Branch string

const (
	BranchGrounded    Branch = "grounded"
	BranchNotSure     Branch = "notSure"
	BranchNotGrounded Branch = "notGrounded"
)

// Verdict is the outcome of grounding verification.
type Verdict struct {
	Branch        Branch
	ConfidenceLevel ConfidenceLevel
	SupportRate   float64
	Supported     int
	Total         int
}

// Config holds C6 tuning parameters.
type Config struct {
	SentenceThreshold float64 // CE_SENT_T
	SupportP          float64 // CE_SUPPORT_P
	MaxDocs           int     // CE_MAX_DOCS
	SnippetsPerDoc    int     // CE_SNIPPETS_PER_DOC
}

const tolerance = 0.05

var sentenceSplitter = regexp.MustCompile(`(?:[.!?]+|\n+)\s*`)
var numberPattern = regexp.MustCompile(`\d+([.,]\d+)?`)
var whitespacePattern = regexp.MustCompile(`\s+`)

// neutralDisclaimers lists generic safety-disclaimer sentences excluded
// from scoring — substantive recipe content is never filtered here.
var neutralDisclaimers = []string{
	"식품 안전 수칙을 준수하세요",
	"알레르기가 있는 경우 전문가와 상담",
	"개인의 건강 상태에 따라 다를 수 있습니다",
}

func degenerate(reasonTotal int) Verdict {
	return Verdict{Branch: BranchNotSure, ConfidenceLevel: ConfidenceUnknown, SupportRate: 0, Supported: 0, Total: reasonTotal}
}

// Verify splits answer into sentences, extracts snippets from docs, and
// scores each target sentence against all snippets via model (a cross-
// encoder, the same Model interface used for reranking). It returns
// notSure/unknown with support_rate=0 for any degenerate input (no
// sentences, no snippets, or an unavailable model).
func Verify(ctx context.Context, model rerank.Model, answer string, docs []string, cfg Config) Verdict {
	sentences := splitSentences(answer)
	if len(sentences) == 0 {
		return degenerate(0)
	}

	target := make([]string, 0, len(sentences))
	for _, s := range sentences {
		if !isNeutral(s) {
			target = append(target, s)
		}
	}
	if len(target) == 0 {
		return degenerate(0)
	}

	snippets := extractSnippets(docs, cfg.MaxDocs, cfg.SnippetsPerDoc)
	if len(snippets) == 0 {
		return degenerate(len(target))
	}

	if model == nil {
		return degenerate(len(target))
	}

	maxScores := make([]float64, len(target))
	for i, sent := range target {
		q := normalize(sent)
		pairs := make([]string, len(snippets))
		for j, sn := range snippets {
			pairs[j] = normalize(sn)
		}
		scores, err := model.Rerank(ctx, q, pairs)
		if err != nil || len(scores) == 0 {
			if err != nil {
				slog.Warn("verify: cross-encoder scoring failed", "error", err)
			}
			maxScores[i] = 0
			continue
		}
		var m float32
		for _, s := range scores {
			if s > m {
				m = s
			}
		}
		maxScores[i] = float64(m)
	}

	supported := 0
	for _, s := range maxScores {
		if s >= cfg.SentenceThreshold {
			supported++
		}
	}
	total := len(target)
	supportRate := float64(supported) / float64(maxInt(1, total))

	var branch Branch
	switch {
	case supportRate >= cfg.SupportP:
		branch = BranchGrounded
	case supportRate >= maxFloat(0, cfg.SupportP-tolerance):
		branch = BranchNotSure
	default:
		branch = BranchNotGrounded
	}

	level := ConfidenceUnknown
	switch branch {
	case BranchGrounded:
		level = ConfidenceHigh
	case BranchNotGrounded:
		level = ConfidenceNone
	case BranchNotSure:
		switch {
		case supportRate >= 0.40:
			level = ConfidenceBorderline
		case supportRate >= 0.20:
			level = ConfidenceWeak
		default:
			level = ConfidenceVeryWeak
		}
	}

	return Verdict{
		Branch:          branch,
		ConfidenceLevel: level,
		SupportRate:     supportRate,
		Supported:       supported,
		Total:           total,
	}
}

func splitSentences(text string) []string {
	if text == "" {
		return nil
	}
	parts := sentenceSplitter.Split(strings.TrimSpace(text), -1)
	seen := make(map[string]bool)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if len(p) < 5 {
			continue
		}
		key := p
		if len(key) > 80 {
			key = key[:80]
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}

func isNeutral(sentence string) bool {
	lower := strings.ToLower(sentence)
	for _, cue := range neutralDisclaimers {
		if strings.Contains(lower, strings.ToLower(cue)) {
			return true
		}
	}
	return false
}

func extractSnippets(docs []string, maxDocs, perDoc int) []string {
	if len(docs) == 0 {
		return nil
	}
	if maxDocs > len(docs) {
		maxDocs = len(docs)
	}
	var out []string
	for _, d := range docs[:maxDocs] {
		sents := splitSentences(d)
		if len(sents) == 0 {
			continue
		}
		var picks []string
		if len(sents) <= perDoc {
			picks = sents
		} else {
			step := maxInt(1, len(sents)/perDoc)
			for i := 0; i < len(sents) && len(picks) < perDoc; i += step {
				picks = append(picks, sents[i])
			}
		}
		for _, s := range picks {
			if len(s) > 400 {
				s = s[:400]
			}
			out = append(out, s)
		}
	}
	return out
}

func normalize(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	t = numberPattern.ReplaceAllString(t, "NUM")
	t = whitespacePattern.ReplaceAllString(t, " ")
	return t
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
