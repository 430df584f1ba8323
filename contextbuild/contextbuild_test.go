package contextbuild

import (
	"strings"
	"testing"

	"github.com/cookrag/cookrag/doc"
)

func mkDoc(text, imageURL string) doc.ScoredDoc {
	return doc.ScoredDoc{Document: doc.Document{Text: text, Metadata: doc.Metadata{ImageURL: imageURL}}}
}

func TestBuildDropsShortDocs(t *testing.T) {
	docs := []doc.ScoredDoc{
		mkDoc("short", ""),
		mkDoc(strings.Repeat("김치찌개 만드는 방법입니다. ", 5), ""),
	}
	result := Build(docs, Config{MaxDocs: 5, MaxLength: 6000})
	if len(result.SelectedTexts) != 1 {
		t.Fatalf("SelectedTexts = %d, want 1", len(result.SelectedTexts))
	}
}

func TestBuildDeduplicatesByPrefixHash(t *testing.T) {
	text := strings.Repeat("동일한 레시피 내용입니다. ", 10)
	docs := []doc.ScoredDoc{mkDoc(text, ""), mkDoc(text, "")}
	result := Build(docs, Config{MaxDocs: 5, MaxLength: 6000})
	if len(result.SelectedTexts) != 1 {
		t.Fatalf("SelectedTexts = %d, want 1 (deduped)", len(result.SelectedTexts))
	}
}

func TestBuildStopsAfterMaxDocs(t *testing.T) {
	var docs []doc.ScoredDoc
	for i := 0; i < 10; i++ {
		docs = append(docs, mkDoc(strings.Repeat("레시피 내용 ", 10)+string(rune('a'+i)), ""))
	}
	result := Build(docs, Config{MaxDocs: 3, MaxLength: 6000})
	if len(result.SelectedTexts) != 3 {
		t.Fatalf("SelectedTexts = %d, want 3", len(result.SelectedTexts))
	}
}

func TestBuildTruncatesToMaxLength(t *testing.T) {
	docs := []doc.ScoredDoc{mkDoc(strings.Repeat("레시피 내용입니다 ", 200), "")}
	result := Build(docs, Config{MaxDocs: 5, MaxLength: 50})
	if len(result.ContextText) > 50 {
		t.Fatalf("ContextText len = %d, want <= 50", len(result.ContextText))
	}
}

func TestBuildAlignsImages(t *testing.T) {
	docs := []doc.ScoredDoc{
		mkDoc(strings.Repeat("첫번째 레시피 문서입니다 ", 5), "http://example.com/a.jpg"),
		mkDoc(strings.Repeat("두번째 레시피 문서입니다 ", 5), "http://example.com/b.jpg"),
	}
	result := Build(docs, Config{MaxDocs: 5, MaxLength: 6000})
	if len(result.SelectedImages) != 2 {
		t.Fatalf("SelectedImages = %d, want 2", len(result.SelectedImages))
	}
	if result.SelectedImages[0] != "http://example.com/a.jpg" {
		t.Fatalf("SelectedImages[0] = %q", result.SelectedImages[0])
	}
}

func TestReformatStripsSourceAndImageLines(t *testing.T) {
	text := "# 제목\n본문 내용\nSource: http://example.com\nImage: http://example.com/x.jpg\n"
	out := reformat(text)
	if strings.Contains(out, "Source:") || strings.Contains(out, "Image:") {
		t.Fatalf("reformat() did not strip Source/Image lines: %q", out)
	}
	if !strings.Contains(out, "## 제목") {
		t.Fatalf("reformat() did not normalize heading: %q", out)
	}
}
