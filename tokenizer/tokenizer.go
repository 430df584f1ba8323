// Package tokenizer implements the pure, deterministic text-to-token
// normalization shared by BM25 indexing and query formulation.
package tokenizer

import (
	"strings"
	"unicode"

	porterstemmer "github.com/blevesearch/go-porterstemmer"
)

// koreanEndings is a small fixed list of common verb/adjective endings and
// particles stripped from Korean tokens. No morphological analyzer is
// available in the dependency set this module draws from, so this is a
// narrow rule-based approximation rather than true stemming.
var koreanEndings = []string{
	"습니다", "합니다", "됩니다", "입니다",
	"했어요", "해요", "이에요", "예요",
	"을까요", "ㄹ까요", "는데요",
	"이다", "하다", "되다",
	"에서", "으로", "로서", "로써",
	"이랑", "하고", "까지", "부터", "마다",
	"은", "는", "이", "가", "을", "를", "에", "와", "과", "도", "만",
}

// Tokens tokenizes text into lowercase, stemmed word forms, handling mixed
// Korean and Latin script. It is pure and deterministic: identical input
// always produces identical output.
func Tokens(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	runs := splitScriptRuns(text)
	if runs == nil {
		return whitespaceFallback(text)
	}

	tokens := make([]string, 0, len(runs))
	for _, r := range runs {
		r = strings.TrimSpace(strings.ToLower(r))
		if r == "" {
			continue
		}
		if isHangul(r) {
			tokens = append(tokens, stemKorean(r))
			continue
		}
		tokens = append(tokens, stemLatin(r))
	}
	return tokens
}

// splitScriptRuns splits text into contiguous runs of Hangul or
// Latin/digit characters, dropping punctuation and whitespace as
// separators. Returns nil if the analyzer encounters no recognizable
// script runs at all, signaling the caller to fall back to whitespace
// splitting.
func splitScriptRuns(text string) []string {
	var runs []string
	var cur strings.Builder
	var curIsHangul bool
	flushing := false

	flush := func() {
		if cur.Len() > 0 {
			runs = append(runs, cur.String())
			cur.Reset()
		}
	}

	for _, r := range text {
		switch {
		case unicode.Is(unicode.Hangul, r):
			if flushing && !curIsHangul {
				flush()
			}
			curIsHangul = true
			flushing = true
			cur.WriteRune(r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if flushing && curIsHangul {
				flush()
			}
			curIsHangul = false
			flushing = true
			cur.WriteRune(r)
		default:
			flush()
			flushing = false
		}
	}
	flush()

	if len(runs) == 0 {
		return nil
	}
	return runs
}

func isHangul(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Hangul, r) {
			return true
		}
	}
	return false
}

func stemLatin(token string) string {
	if token == "" {
		return token
	}
	allAlpha := true
	for _, r := range token {
		if !unicode.IsLetter(r) {
			allAlpha = false
			break
		}
	}
	if !allAlpha || len(token) < 3 {
		return token
	}
	return porterstemmer.StemString(token)
}

func stemKorean(token string) string {
	for _, ending := range koreanEndings {
		if strings.HasSuffix(token, ending) && len([]rune(token)) > len([]rune(ending)) {
			return strings.TrimSuffix(token, ending)
		}
	}
	return token
}

// whitespaceFallback is used when the script-run analyzer finds nothing
// recognizable (e.g. purely symbolic input).
func whitespaceFallback(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:()[]{}\"'")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
