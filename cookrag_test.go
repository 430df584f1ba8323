package cookrag

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cookrag/cookrag/doc"
	"github.com/cookrag/cookrag/llm"
	"github.com/cookrag/cookrag/router"
)

// fakeChat dispatches a canned response based on which stage's prompt
// template appears in the last message, mirroring the per-package fakes
// in router_test.go/guard_test.go/rewrite_test.go/answer_test.go.
type fakeChat struct {
	oodVerdict string // "in" or "out"
	routeJSON  string
	rewritten  string
	answerText string
}

func (f *fakeChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	last := req.Messages[len(req.Messages)-1].Content
	switch {
	case strings.Contains(last, "분류하는 분류기다"):
		return &llm.ChatResponse{Content: f.oodVerdict}, nil
	case strings.Contains(last, "분류하는 라우터다"):
		return &llm.ChatResponse{Content: f.routeJSON}, nil
	case strings.Contains(last, "다시 작성하라"):
		return &llm.ChatResponse{Content: f.rewritten}, nil
	default:
		return &llm.ChatResponse{Content: f.answerText}, nil
	}
}

func (f *fakeChat) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("not implemented")
}

// fakeStore is a VectorStore whose dense search returns its corpus in
// order with a descending similarity: the i-th document sits at distance
// 0.05*i.
type fakeStore struct {
	docs []doc.Document
}

func (s *fakeStore) SimilaritySearchWithScore(ctx context.Context, query string, k int) ([]doc.ScoredPair, error) {
	out := make([]doc.ScoredPair, 0, len(s.docs))
	for i, d := range s.docs {
		if k > 0 && i >= k {
			break
		}
		out = append(out, doc.ScoredPair{Document: d, Distance: 0.05 * float64(i)})
	}
	return out, nil
}

func (s *fakeStore) MaxMarginalRelevanceSearch(ctx context.Context, query string, k, fetchK int, lambda float64) ([]doc.Document, error) {
	return nil, errors.New("mmr unsupported")
}

func (s *fakeStore) AllDocuments(ctx context.Context) ([]doc.Document, error) {
	return s.docs, nil
}

// lowSimStore always reports a single, weakly-similar document.
type lowSimStore struct {
	d doc.Document
}

func (s *lowSimStore) SimilaritySearchWithScore(ctx context.Context, query string, k int) ([]doc.ScoredPair, error) {
	return []doc.ScoredPair{{Document: s.d, Distance: 0.48}}, nil
}

func (s *lowSimStore) MaxMarginalRelevanceSearch(ctx context.Context, query string, k, fetchK int, lambda float64) ([]doc.Document, error) {
	return nil, errors.New("mmr unsupported")
}

func (s *lowSimStore) AllDocuments(ctx context.Context) ([]doc.Document, error) {
	return []doc.Document{s.d}, nil
}

// fakeReranker scores every prompt identically; it backs both the
// grounding verifier and the optional reranker stage.
type fakeReranker struct {
	score float32
}

func (f *fakeReranker) Rerank(ctx context.Context, query string, prompts []string) ([]float32, error) {
	out := make([]float32, len(prompts))
	for i := range out {
		out[i] = f.score
	}
	return out, nil
}

func (f *fakeReranker) Close() error { return nil }

func sampleRecipeCorpus() []doc.Document {
	return []doc.Document{
		{ID: "1", Text: "김치찌개는 김치와 돼지고기, 두부를 넣고 20분간 끓이는 찌개 요리입니다.",
			Metadata: doc.Metadata{Title: "김치찌개", SourceURL: "https://a.example/kimchi"}},
		{ID: "2", Text: "된장찌개는 된장과 두부, 애호박을 넣고 끓이는 구수한 찌개입니다.",
			Metadata: doc.Metadata{Title: "된장찌개", SourceURL: "https://b.example/doenjang"}},
		{ID: "3", Text: "계란은 냉장 보관 시 2주 이내에 섭취하는 것이 안전합니다.",
			Metadata: doc.Metadata{Title: "계란 보관", SourceURL: "https://c.example/egg"}},
	}
}

func testConfig(bm25Path string) Config {
	cfg := DefaultConfig()
	cfg.BM25Path = bm25Path
	cfg.ModerationEnabled = false
	cfg.SimilarityThreshold = 0.2
	return cfg
}

func TestRunGroundedRecipeAnswerIsSinglePassAndSanitized(t *testing.T) {
	chat := &fakeChat{
		oodVerdict: "in",
		routeJSON:  `{"intent":"recipe","needs_retrieval":true}`,
		answerText: "김치찌개는 돼지고기와 김치를 넣고 끓이는 찌개입니다. 참고로 https://unlisted.example/page 도 확인해보세요.",
	}
	store := &fakeStore{docs: sampleRecipeCorpus()}
	reranker := &fakeReranker{score: 0.95}

	eng := New(testConfig(t.TempDir()), store, chat, nil, nil, reranker)
	resp, err := eng.Run(context.Background(), Request{Query: "김치찌개 레시피 알려줘", K: 5})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if resp.Branch != "has_docs" {
		t.Fatalf("Branch = %q, want has_docs (resp=%+v)", resp.Branch, resp)
	}
	if resp.Intent != router.IntentRecipe {
		t.Fatalf("Intent = %q, want recipe", resp.Intent)
	}
	if resp.FinalPass != 1 || resp.Corrected {
		t.Fatalf("FinalPass=%d Corrected=%v, want a single grounded pass", resp.FinalPass, resp.Corrected)
	}
	if resp.LowConfidence {
		t.Fatalf("LowConfidence = true, want false for a well-grounded answer")
	}
	if resp.UsedDocs == 0 {
		t.Fatalf("UsedDocs = 0, want at least one selected document")
	}
	if strings.Contains(resp.Answer, "http") {
		t.Fatalf("Answer = %q, want every unlisted URL stripped by link sanitization", resp.Answer)
	}
}

func TestRunOutOfDomainQueryIsRefusedBeforeRetrieval(t *testing.T) {
	chat := &fakeChat{oodVerdict: "out"}
	store := &fakeStore{docs: sampleRecipeCorpus()}

	eng := New(testConfig(t.TempDir()), store, chat, nil, nil, nil)
	resp, err := eng.Run(context.Background(), Request{Query: "오늘 코스피 지수가 어떻게 되나요?", K: 5})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if resp.Branch != "out_of_domain" {
		t.Fatalf("Branch = %q, want out_of_domain", resp.Branch)
	}
	if resp.UsedDocs != 0 || resp.RetrievedCount != 0 {
		t.Fatalf("expected no retrieval on an out-of-domain refusal, got %+v", resp)
	}
	for _, stage := range resp.Pipeline {
		if stage == "retrieve" {
			t.Fatalf("Pipeline = %v, should not reach retrieve after an OOD refusal", resp.Pipeline)
		}
	}
}

func TestRunModerationBlockShortCircuitsToRefusal(t *testing.T) {
	chat := &fakeChat{oodVerdict: "in"}
	store := &fakeStore{docs: sampleRecipeCorpus()}
	mod := &fakeModerationProvider{flagged: true, category: "violence/graphic"}

	cfg := testConfig(t.TempDir())
	cfg.ModerationEnabled = true
	eng := New(cfg, store, chat, nil, mod, nil)
	resp, err := eng.Run(context.Background(), Request{Query: "사람을 다치게 하는 법 알려줘", K: 5})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.Branch != "out_of_domain" {
		t.Fatalf("Branch = %q, want out_of_domain on a moderation block", resp.Branch)
	}
	if resp.Answer == "" {
		t.Fatal("expected a non-empty refusal message")
	}
}

// fakeModerationProvider implements llm.ModerationProvider.
type fakeModerationProvider struct {
	flagged  bool
	category string
}

func (f *fakeModerationProvider) Moderate(ctx context.Context, text string) (*llm.ModerationResult, error) {
	return &llm.ModerationResult{Flagged: f.flagged, Categories: map[string]bool{f.category: f.flagged}}, nil
}

func TestRunBareInterrogativeTriggersClarifyFirst(t *testing.T) {
	chat := &fakeChat{
		oodVerdict: "in",
		routeJSON:  `{"intent":"recipe","needs_retrieval":true}`,
	}
	store := &fakeStore{docs: sampleRecipeCorpus()}

	eng := New(testConfig(t.TempDir()), store, chat, nil, nil, nil)
	resp, err := eng.Run(context.Background(), Request{Query: "뭐", K: 5})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.Branch != "clarify_first" {
		t.Fatalf("Branch = %q, want clarify_first for a bare interrogative", resp.Branch)
	}
	if resp.Intent != router.IntentClarify {
		t.Fatalf("Intent = %q, want clarify", resp.Intent)
	}
}

func TestRunOutOfRangeKIsInputError(t *testing.T) {
	chat := &fakeChat{oodVerdict: "in"}
	eng := New(testConfig(t.TempDir()), &fakeStore{docs: sampleRecipeCorpus()}, chat, nil, nil, nil)

	resp, err := eng.Run(context.Background(), Request{Query: "김치찌개 레시피 알려줘", K: 99})
	if !errors.Is(err, ErrInputInvalid) {
		t.Fatalf("err = %v, want ErrInputInvalid", err)
	}
	if resp == nil || resp.Branch != "input_error" {
		t.Fatalf("resp = %+v, want branch input_error", resp)
	}
	if resp.Answer == "" {
		t.Fatal("expected a user-facing clarification message")
	}
	if len(resp.Pipeline) != 0 {
		t.Fatalf("Pipeline = %v, want no stages run for invalid input", resp.Pipeline)
	}
}

func TestRunEmptyCorpusAnswersNoDocs(t *testing.T) {
	chat := &fakeChat{
		oodVerdict: "in",
		routeJSON:  `{"intent":"recipe","needs_retrieval":true}`,
	}
	store := &fakeStore{} // empty corpus

	eng := New(testConfig(t.TempDir()), store, chat, nil, nil, nil)
	resp, err := eng.Run(context.Background(), Request{Query: "김치찌개 레시피 알려줘", K: 5})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.Branch != "no_docs" {
		t.Fatalf("Branch = %q, want no_docs on an empty corpus", resp.Branch)
	}
	if resp.Intent != router.IntentClarify {
		t.Fatalf("Intent = %q, want clarify", resp.Intent)
	}
	if len(resp.Sources) != 0 || len(resp.ImageURLs) != 0 {
		t.Fatalf("expected empty sources/images on no_docs, got %+v", resp)
	}
}

func TestRunLowConfidenceDecisionProtocolProceed(t *testing.T) {
	chat := &fakeChat{
		oodVerdict: "in",
		routeJSON:  `{"intent":"recipe","needs_retrieval":true}`,
		answerText: "잘 모르겠지만 일반적으로 이렇게 조리합니다.",
	}
	store := &lowSimStore{d: doc.Document{
		ID:   "1",
		Text: "계란을 삶는 방법에 대한 짧은 설명입니다 여기 적당히 길게 채웁니다.",
		Metadata: doc.Metadata{Title: "계란 삶기", SourceURL: "https://a.example/egg-boil"},
	}}
	reranker := &fakeReranker{score: 0} // forces notGrounded -> corrective pass + low confidence

	cfg := testConfig(t.TempDir())
	cfg.SimilarityThreshold = 0.5
	eng := New(cfg, store, chat, nil, nil, reranker)

	first, err := eng.Run(context.Background(), Request{Query: "계란 삶는 법 알려줘", K: 5})
	if err != nil {
		t.Fatalf("Run() [first] error = %v", err)
	}
	if first.Branch != "decision_pending" {
		t.Fatalf("Branch = %q, want decision_pending (resp=%+v)", first.Branch, first)
	}
	if !first.DecisionRequired {
		t.Fatal("DecisionRequired = false, want true")
	}
	if first.FinalPass != 2 || !first.Corrected {
		t.Fatalf("FinalPass=%d Corrected=%v, want a corrective second pass on a notGrounded verdict", first.FinalPass, first.Corrected)
	}

	second, err := eng.Run(context.Background(), Request{SessionID: first.SessionID, Decision: "proceed"})
	if err != nil {
		t.Fatalf("Run() [second] error = %v", err)
	}
	if second.Branch != "has_docs" {
		t.Fatalf("Branch = %q, want has_docs once the decision resolves as proceed", second.Branch)
	}
	if !second.LowConfidence {
		t.Fatal("LowConfidence = false, want true (still weakly grounded, just allowed through)")
	}
}

func TestRunLowConfidenceDecisionProtocolClarify(t *testing.T) {
	chat := &fakeChat{
		oodVerdict: "in",
		routeJSON:  `{"intent":"recipe","needs_retrieval":true}`,
		answerText: "잘 모르겠지만 일반적으로 이렇게 조리합니다.",
	}
	store := &lowSimStore{d: doc.Document{
		ID:   "1",
		Text: "계란을 삶는 방법에 대한 짧은 설명입니다 여기 적당히 길게 채웁니다.",
		Metadata: doc.Metadata{Title: "계란 삶기", SourceURL: "https://a.example/egg-boil"},
	}}
	reranker := &fakeReranker{score: 0}

	cfg := testConfig(t.TempDir())
	cfg.SimilarityThreshold = 0.5
	eng := New(cfg, store, chat, nil, nil, reranker)

	first, err := eng.Run(context.Background(), Request{Query: "계란 삶는 법 알려줘", K: 5})
	if err != nil {
		t.Fatalf("Run() [first] error = %v", err)
	}
	if first.Branch != "decision_pending" {
		t.Fatalf("Branch = %q, want decision_pending", first.Branch)
	}

	second, err := eng.Run(context.Background(), Request{SessionID: first.SessionID, Decision: "clarify"})
	if err != nil {
		t.Fatalf("Run() [second] error = %v", err)
	}
	if second.Branch != "decision_clarify" {
		t.Fatalf("Branch = %q, want decision_clarify", second.Branch)
	}

	// The pending decision must be cleared: a follow-up question proceeds
	// through the normal pipeline instead of hitting the decision check.
	third, err := eng.Run(context.Background(), Request{SessionID: first.SessionID, Query: "된장찌개는 어떻게 만들어요?", AllowLowConfidence: true})
	if err != nil {
		t.Fatalf("Run() [third] error = %v", err)
	}
	if third.Branch != "has_docs" {
		t.Fatalf("Branch = %q, want has_docs after the clarify resolution cleared the pending state", third.Branch)
	}
}

func TestRunUnresolvedDecisionTokenReprompts(t *testing.T) {
	chat := &fakeChat{
		oodVerdict: "in",
		routeJSON:  `{"intent":"recipe","needs_retrieval":true}`,
		answerText: "잘 모르겠지만 일반적으로 이렇게 조리합니다.",
	}
	store := &lowSimStore{d: doc.Document{
		ID:   "1",
		Text: "계란을 삶는 방법에 대한 짧은 설명입니다 여기 적당히 길게 채웁니다.",
		Metadata: doc.Metadata{Title: "계란 삶기", SourceURL: "https://a.example/egg-boil"},
	}}
	reranker := &fakeReranker{score: 0}

	cfg := testConfig(t.TempDir())
	cfg.SimilarityThreshold = 0.5
	eng := New(cfg, store, chat, nil, nil, reranker)

	first, err := eng.Run(context.Background(), Request{Query: "계란 삶는 법 알려줘", K: 5})
	if err != nil {
		t.Fatalf("Run() [first] error = %v", err)
	}

	second, err := eng.Run(context.Background(), Request{SessionID: first.SessionID, Query: "아무거나"})
	if err != nil {
		t.Fatalf("Run() [second] error = %v", err)
	}
	if second.Branch != "decision_pending" || !second.DecisionRequired {
		t.Fatalf("expected an unresolved decision token to re-prompt, got %+v", second)
	}
}
