// Package cookrag implements the corrective-retrieval question-answering
// pipeline: OOD guard, intent routing, query rewriting, hybrid retrieval,
// post-retrieval filtering, optional reranking, context building, answer
// generation, and grounding verification, wired as a sequential state
// machine with a single corrective re-execution pass and a low-confidence
// decision protocol.
package cookrag

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/cookrag/cookrag/answer"
	"github.com/cookrag/cookrag/bm25"
	"github.com/cookrag/cookrag/contextbuild"
	"github.com/cookrag/cookrag/doc"
	"github.com/cookrag/cookrag/guard"
	"github.com/cookrag/cookrag/llm"
	"github.com/cookrag/cookrag/rerank"
	"github.com/cookrag/cookrag/retrieval"
	"github.com/cookrag/cookrag/rewrite"
	"github.com/cookrag/cookrag/router"
	"github.com/cookrag/cookrag/session"
	"github.com/cookrag/cookrag/tokenizer"
	"github.com/cookrag/cookrag/verify"
)

// Request is a single pipeline invocation.
type Request struct {
	Query              string
	K                  int
	ModelHint          string
	EnableRewrite      bool
	AllowLowConfidence bool
	Decision           string // "proceed", "clarify", or empty
	SessionID          string
	IncludeImages      bool
	ImagePolicy        ImagePolicy
	MaxImages          int
}

// ImagePolicy controls how aggressively images are gated in the response.
type ImagePolicy string

const (
	ImageStrict  ImagePolicy = "strict"
	ImageLenient ImagePolicy = "lenient"
	ImageAlways  ImagePolicy = "always"
)

// ScoresSummary aggregates the retrieved similarity scores for
// observability.
type ScoresSummary struct {
	Count int
	Min   float64
	Max   float64
	Avg   float64
	P50   float64
	P90   float64
}

// RetrievalMetrics carries the orchestrator's score-mode-tagged
// observability payload.
type RetrievalMetrics struct {
	ScoreMode           string
	K                   int
	MMRFetch            int
	MMRLambda           float64
	SimilarityThreshold float64
	DomainCap           int
	ScoresSummary       ScoresSummary
	UniqueDomains       int
	VerifierMetrics1    *verify.Verdict
	VerifierMetrics2    *verify.Verdict
}

// Source is a response-facing document attribution.
type Source struct {
	Title string
	URL   string
}

// Response is the orchestrator's output payload.
type Response struct {
	Answer           string
	Intent           router.Intent
	OriginalQuery    string
	RewrittenQuery   string
	ContextText      string
	ContextLen       int
	UsedDocs         int
	RetrievedCount   int
	RetrievedScores  []float64
	Sources          []Source
	ImageURLs        []string
	Branch           string
	Pipeline         []string
	SessionID        string
	IsNewSession     bool
	HistoryUsed      int
	ConversationTurns int
	JudgeVerdict1    *verify.Verdict
	JudgeVerdict2    *verify.Verdict
	Corrected        bool
	FinalPass        int
	LowConfidence    bool
	Warning          string
	DecisionRequired bool
	SuggestedActions []string
	RetrievalMetrics RetrievalMetrics
}

// Engine is the assembled pipeline orchestrator (C13).
type Engine struct {
	cfg Config

	store  doc.VectorStore
	sparse *bm25.Index

	chat       llm.Provider
	embed      llm.Provider
	moderation llm.ModerationProvider
	reranker   rerank.Model

	guard     *guard.Guard
	retriever *retrieval.Engine
	sessions  *session.Store
}

// New assembles an Engine from its collaborators. moderation and reranker
// may be nil to disable those stages.
func New(cfg Config, store doc.VectorStore, chat, embed llm.Provider, moderation llm.ModerationProvider, reranker rerank.Model) *Engine {
	var sparse *bm25.Index
	if cfg.UseHybridSearch {
		sparse = bm25.New(cfg.BM25Path, store)
	}
	return &Engine{
		cfg:        cfg,
		store:      store,
		sparse:     sparse,
		chat:       chat,
		embed:      embed,
		moderation: moderation,
		reranker:   reranker,
		guard: guard.New(moderation, embed, chat, guard.Config{
			ModerationEnabled: cfg.ModerationEnabled,
			CentroidThreshold: cfg.CentroidThreshold,
			CentroidMargin:    cfg.CentroidMargin,
			PrototypesPath:    cfg.OODPrototypesPath,
		}),
		retriever: retrieval.New(store, sparse, retrieval.Config{
			Alpha:       cfg.Alpha,
			KRRF:        cfg.KRRF,
			FetchKRatio: cfg.FetchKRatio,
		}),
		sessions: session.New(cfg.SessionTTL, cfg.MaxTurns),
	}
}

var suggestedActionsLowConf = []string{"proceed_with_low_confidence", "clarify"}

var bareInterrogatives = map[string]bool{
	"뭐": true, "뭔데": true, "뭐지": true, "what": true, "how": true, "why": true, "어떻게": true, "왜": true,
}

var proceedTokens = map[string]bool{"proceed": true, "1": true, "진행": true, "계속": true}
var clarifyTokens = map[string]bool{"clarify": true, "2": true, "다듬기": true}

// Run executes the full pipeline for req. The overall request timeout is
// applied here; every collaborator call downstream inherits the deadline.
// Invalid input returns a clarification Response alongside ErrInputInvalid,
// and anything unexpected is caught at this boundary and surfaced as a
// terse apology rather than a crash.
func (e *Engine) Run(ctx context.Context, req Request) (resp *Response, err error) {
	if e.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("cookrag: pipeline panic", "panic", r)
			resp = &Response{
				OriginalQuery: req.Query,
				Answer:        "요청을 처리하는 중 문제가 발생했어요. 잠시 후 다시 시도해 주세요.",
				Branch:        "internal_error",
				FinalPass:     1,
			}
			err = nil
		}
	}()
	return e.run(ctx, req)
}

func (e *Engine) run(ctx context.Context, req Request) (*Response, error) {
	resp := &Response{OriginalQuery: req.Query, FinalPass: 1}

	// Out-of-range k is rejected up front, before any session or
	// collaborator work; zero means "use the configured default".
	if req.K < 0 || req.K > 50 {
		resp.Answer = "검색 문서 수 k는 1에서 50 사이여야 해요. 값을 조정해 다시 요청해 주세요."
		resp.Branch = "input_error"
		return resp, fmt.Errorf("%w: k=%d out of range [1,50]", ErrInputInvalid, req.K)
	}
	if req.K == 0 {
		req.K = e.cfg.DefaultK
	}
	if req.ImagePolicy == "" {
		req.ImagePolicy = ImageStrict
	}
	if req.MaxImages <= 0 || req.MaxImages > 12 {
		req.MaxImages = 12
	}

	sess, isNew := e.resolveSession(req.SessionID)
	resp.SessionID = sess.ID
	resp.IsNewSession = isNew
	resp.Pipeline = append(resp.Pipeline, "session")

	// check_pending: a pending decision must be resolved before anything
	// else proceeds.
	if pd, ok := e.sessions.GetPendingDecision(sess.ID); ok {
		resp.Pipeline = append(resp.Pipeline, "decision_check")
		if r, handled := e.resolveDecision(ctx, sess, pd, req); handled {
			return r, nil
		}
	}

	history, _ := e.sessions.GetHistory(sess.ID)
	resp.HistoryUsed = len(history)
	resp.ConversationTurns = len(history) / 2

	// ood_guard, with the short-follow-up bypass for conversational
	// continuity.
	resp.Pipeline = append(resp.Pipeline, "ood_guard")
	if !e.bypassOOD(req.Query, history) {
		verdict := e.guard.Check(ctx, req.Query)
		if !verdict.InDomain {
			resp.Answer = verdict.Refusal
			resp.Branch = "out_of_domain"
			e.finishNoRetrieval(sess, req, resp)
			return resp, nil
		}
	}

	// router
	resp.Pipeline = append(resp.Pipeline, "router")
	contextHint := e.sessions.GetContextSummary(sess.ID, 3)
	route := router.Route(ctx, e.chat, req.Query, contextHint)
	resp.Intent = route.Intent
	if route.Intent == router.IntentOutOfDomain {
		resp.Answer = "죄송해요. 해당 문의는 요리·레시피·조리·보관·영양 주제에 한해 답변해 드려요."
		resp.Branch = "out_of_domain"
		e.finishNoRetrieval(sess, req, resp)
		return resp, nil
	}

	// clarify_first
	if e.isClarifyFirst(req.Query, route.Intent) {
		resp.Pipeline = append(resp.Pipeline, "clarify_first")
		resp.Intent = router.IntentClarify
		resp.Answer = "어떤 요리나 재료에 대해 궁금하신가요? 조금 더 구체적으로 말씀해 주세요."
		resp.Branch = "clarify_first"
		e.finishNoRetrieval(sess, req, resp)
		return resp, nil
	}

	// --- first pass ---
	pass1 := e.executePass(ctx, req, route, history, sess, false)
	resp.Pipeline = append(resp.Pipeline, pass1.pipeline...)
	resp.JudgeVerdict1 = &pass1.verdict

	final := pass1
	resp.FinalPass = 1

	if len(pass1.docs) == 0 {
		resp.Intent = router.IntentClarify
		resp.Answer = "관련된 레시피를 찾지 못했어요. 질문을 조금 더 구체적으로 말씀해 주시겠어요?"
		resp.Branch = "no_docs"
		e.finishNoRetrieval(sess, req, resp)
		return resp, nil
	}

	if e.cfg.EnableCRAG && needsCorrectivePass(pass1.verdict) {
		resp.Pipeline = append(resp.Pipeline, "corrective_retry")
		pass2 := e.executePass(ctx, req, route, history, sess, true)
		resp.Pipeline = append(resp.Pipeline, pass2.pipeline...)
		resp.JudgeVerdict2 = &pass2.verdict
		resp.FinalPass = 2
		resp.Corrected = true
		// A corrective pass whose rewritten query retrieves nothing must not
		// blank out the first pass's answer.
		if len(pass2.docs) > 0 {
			final = pass2
		}
	}

	resp.RewrittenQuery = final.rewrittenQuery
	resp.Answer = final.answerText
	resp.ContextText = final.contextText
	resp.ContextLen = len(final.contextText)
	resp.UsedDocs = len(final.selectedTexts)
	resp.RetrievedCount = len(final.docs)
	resp.RetrievedScores = firstScores(final.docs, 5)
	resp.Sources = buildSources(final.docs, final.selectedTexts)
	resp.Branch = "has_docs"
	resp.RetrievalMetrics = e.buildMetrics(req, final, resp.JudgeVerdict1, resp.JudgeVerdict2)

	if req.IncludeImages {
		resp.ImageURLs = gateImages(req, route.Intent, resp.Answer, req.Query, final, req.MaxImages)
	}

	low := e.isLowConfidence(final.docs, final.verdict)
	resp.LowConfidence = low

	if low && !req.AllowLowConfidence {
		resp.Pipeline = append(resp.Pipeline, "low_confidence_gate")
		e.sessions.SetPendingDecision(sess.ID, session.PendingDecision{Type: session.PendingDecisionLowConfidence, OriginalQuery: req.Query})
		resp.Branch = "decision_pending"
		resp.DecisionRequired = true
		resp.SuggestedActions = suggestedActionsLowConf
		resp.Warning = "답변의 근거가 충분하지 않을 수 있어요. 계속 진행할지 선택해 주세요."
		resp.Answer = resp.Warning
		// The decision prompt is the one assistant turn always logged, even
		// though no answer was produced.
		e.sessions.AddMessage(sess.ID, session.RoleUser, req.Query, nil)
		e.sessions.AddMessage(sess.ID, session.RoleAssistant, resp.Answer, nil)
		return resp, nil
	}

	resp.Answer = sanitizeLinks(resp.Answer, resp.Sources)
	resp.Pipeline = append(resp.Pipeline, "link_sanitize")
	e.sessions.AddMessage(sess.ID, session.RoleUser, req.Query, nil)
	e.sessions.AddMessage(sess.ID, session.RoleAssistant, resp.Answer, nil)

	return resp, nil
}

// passResult carries the state threaded through a single retrieve ->
// build-context -> generate -> verify execution.
type passResult struct {
	pipeline       []string
	scoreMode      string
	rewrittenQuery string
	docs           []doc.ScoredDoc
	contextText    string
	selectedTexts  []string
	selectedImages []string
	answerText     string
	verdict        verify.Verdict
}

// executePass runs one retrieve -> build-context -> generate -> verify
// cycle. The corrective second pass always rewrites the query, regardless
// of the per-request rewrite flag.
func (e *Engine) executePass(ctx context.Context, req Request, route router.Result, history []session.Message, sess *session.Session, corrective bool) passResult {
	var pr passResult

	query := req.Query
	if (req.EnableRewrite && e.cfg.EnableQueryRewrite) || corrective {
		pr.pipeline = append(pr.pipeline, "rewrite")
		rw := rewrite.Rewrite(ctx, e.chat, req.Query, e.sessions.GetContextSummary(sess.ID, 3))
		query = rw.RewrittenQuery
		pr.rewrittenQuery = query
	}

	pr.pipeline = append(pr.pipeline, "retrieve")
	pr.scoreMode = "rrf"
	docs, trace, err := e.retriever.Search(ctx, query, req.K)
	if err != nil {
		slog.Warn("cookrag: retrieval unavailable", "error", err)
		pr.pipeline = append(pr.pipeline, "retrieve_error")
		docs = nil
	}
	if trace != nil && trace.DegradedDense {
		// Dense-only scores are 1-distance similarities, not RRF fractions;
		// the metrics payload must never mix the two spaces.
		pr.scoreMode = "similarity"
	}

	pr.pipeline = append(pr.pipeline, "filter")
	docs, _ = retrieval.Filter(ctx, docs, retrieval.FilterConfig{
		MinDocLen:           e.cfg.MinDocLen,
		SimilarityThreshold: e.cfg.SimilarityThreshold,
		DomainCap:           e.cfg.DomainCap,
		MMRFetch:            e.cfg.MMRFetch,
	}, func(ctx context.Context, width int) ([]doc.ScoredDoc, error) {
		d, _, err := e.retriever.Search(ctx, query, width)
		return d, err
	})

	if e.cfg.RerankMMR {
		if reordered, ok := e.mmrReorder(ctx, query, docs); ok {
			pr.pipeline = append(pr.pipeline, "mmr")
			docs = reordered
		}
	}

	if e.cfg.RerankEnabled && e.reranker != nil {
		pr.pipeline = append(pr.pipeline, "rerank")
		texts := make([]string, len(docs))
		for i, d := range docs {
			texts[i] = d.Text
		}
		order := rerank.Rerank(ctx, e.reranker, query, texts, e.cfg.RerankTopN)
		reordered := make([]doc.ScoredDoc, len(docs))
		for i, idx := range order {
			reordered[i] = docs[idx]
			reordered[i].Rank = i + 1
		}
		docs = reordered
	}

	pr.docs = docs
	if len(docs) == 0 {
		return pr
	}

	pr.pipeline = append(pr.pipeline, "build_context")
	built := contextbuild.Build(docs, contextbuild.Config{MaxDocs: e.cfg.MaxContextDocs, MaxLength: e.cfg.MaxContextLength})
	pr.contextText = built.ContextText
	pr.selectedTexts = built.SelectedTexts
	pr.selectedImages = built.SelectedImages

	pr.pipeline = append(pr.pipeline, "generate")
	text, err := answer.Generate(ctx, e.chat, answer.Input{
		Query:     req.Query,
		Intent:    route.Intent,
		Context:   pr.contextText,
		History:   history,
		ModelHint: req.ModelHint,
	}, answer.Config{NoContextAnswering: e.cfg.NoContextAnswering})
	if err != nil {
		slog.Warn("cookrag: generation failed", "error", err)
		text = "답변을 생성하는 중 문제가 발생했어요. 다시 시도해 주세요."
	}
	pr.answerText = text

	pr.pipeline = append(pr.pipeline, "verify")
	pr.verdict = verify.Verify(ctx, e.reranker, pr.answerText, pr.selectedTexts, verify.Config{
		SentenceThreshold: e.cfg.CESentenceThresh,
		SupportP:          e.cfg.CESupportP,
		MaxDocs:           e.cfg.CEMaxDocs,
		SnippetsPerDoc:    e.cfg.CESnippetsPerDoc,
	})

	return pr
}

// mmrReorder reorders kept docs to the store's max-marginal-relevance
// ordering when the store supports it. Unsupported or failing MMR leaves
// the docs untouched.
func (e *Engine) mmrReorder(ctx context.Context, query string, docs []doc.ScoredDoc) ([]doc.ScoredDoc, bool) {
	if len(docs) < 2 {
		return docs, false
	}
	fetchK := e.cfg.MMRFetch
	if fetchK < len(docs) {
		fetchK = len(docs)
	}
	mmrDocs, err := e.store.MaxMarginalRelevanceSearch(ctx, query, len(docs), fetchK, e.cfg.MMRLambda)
	if err != nil || len(mmrDocs) == 0 {
		return docs, false
	}

	position := make(map[string]int, len(mmrDocs))
	for i, d := range mmrDocs {
		position[doc.StableID(d.Text, d.Metadata)] = i
	}
	reordered := append([]doc.ScoredDoc(nil), docs...)
	sort.SliceStable(reordered, func(i, j int) bool {
		pi, iOK := position[doc.StableID(reordered[i].Text, reordered[i].Metadata)]
		pj, jOK := position[doc.StableID(reordered[j].Text, reordered[j].Metadata)]
		if iOK != jOK {
			return iOK
		}
		return pi < pj
	})
	for i := range reordered {
		reordered[i].Rank = i + 1
	}
	return reordered, true
}

// needsCorrectivePass decides whether a verdict is weak enough to warrant
// the corrective second pass.
func needsCorrectivePass(v verify.Verdict) bool {
	if v.Branch == verify.BranchNotGrounded {
		return true
	}
	if v.Branch == verify.BranchNotSure {
		if v.ConfidenceLevel == verify.ConfidenceWeak || v.ConfidenceLevel == verify.ConfidenceVeryWeak {
			return true
		}
		if v.SupportRate < 0.30 {
			return true
		}
	}
	return false
}

// isLowConfidence applies the configured low-confidence mode. The
// balanced predicate intentionally uses both T and T+0.05: the looser
// bound only applies when the verdict itself is already weak.
func (e *Engine) isLowConfidence(docs []doc.ScoredDoc, v verify.Verdict) bool {
	maxSim, known := maxSimilarity(docs)
	docCount := len(docs)
	T := e.cfg.SimilarityThreshold

	switch e.cfg.LowConfidenceMode {
	case "strict":
		return (known && maxSim < T) || v.Branch != verify.BranchGrounded
	case "lenient":
		return docCount < 1
	default: // balanced
		cond1 := known && maxSim < T && docCount < e.cfg.MinConfDocs
		cond2 := v.Branch == verify.BranchNotGrounded && known && maxSim < T+0.05
		cond3 := v.Branch == verify.BranchNotSure && (v.SupportRate < 0.30 || v.ConfidenceLevel == verify.ConfidenceWeak || v.ConfidenceLevel == verify.ConfidenceVeryWeak)
		minDocs := e.cfg.MinConfDocs
		if minDocs < 2 {
			minDocs = 2
		}
		cond4 := v.Branch == verify.BranchNotSure && known && maxSim < T+0.05 && docCount < minDocs
		return cond1 || cond2 || cond3 || cond4
	}
}

func maxSimilarity(docs []doc.ScoredDoc) (float64, bool) {
	known := false
	max := 0.0
	for _, d := range docs {
		if d.HasSimilarity {
			known = true
			if d.Similarity > max {
				max = d.Similarity
			}
		}
	}
	return max, known
}

// resolveDecision handles a request arriving while a PendingDecision is
// active: it inspects req.Decision, falling back to parsing the raw query
// for canonical tokens. Unrecognized input re-prompts.
func (e *Engine) resolveDecision(ctx context.Context, sess *session.Session, pd session.PendingDecision, req Request) (*Response, bool) {
	token := strings.ToLower(strings.TrimSpace(req.Decision))
	if token == "" {
		token = strings.ToLower(strings.TrimSpace(req.Query))
	}

	switch {
	case proceedTokens[token]:
		e.sessions.ClearPendingDecision(sess.ID)
		req.Query = pd.OriginalQuery
		req.AllowLowConfidence = true
		resp, err := e.Run(ctx, req)
		if err != nil {
			return &Response{Answer: "처리 중 오류가 발생했어요.", Branch: "internal_error"}, true
		}
		return resp, true
	case clarifyTokens[token]:
		e.sessions.ClearPendingDecision(sess.ID)
		r := &Response{
			SessionID: sess.ID,
			Intent:    router.IntentClarify,
			Answer:    "어떤 부분을 더 구체적으로 알고 싶으신가요?",
			Branch:    "decision_clarify",
			FinalPass: 1,
		}
		e.sessions.AddMessage(sess.ID, session.RoleAssistant, r.Answer, nil)
		return r, true
	default:
		r := &Response{
			SessionID:        sess.ID,
			Branch:           "decision_pending",
			DecisionRequired: true,
			SuggestedActions: suggestedActionsLowConf,
			Answer:           "이전 답변을 계속 진행할지(proceed), 질문을 다듬을지(clarify) 선택해 주세요.",
			FinalPass:        1,
		}
		e.sessions.AddMessage(sess.ID, session.RoleAssistant, r.Answer, nil)
		return r, true
	}
}

func (e *Engine) resolveSession(id string) (*session.Session, bool) {
	if id != "" {
		if s, ok := e.sessions.GetSession(id); ok {
			return s, false
		}
	}
	return e.sessions.CreateSession(), true
}

// bypassOOD lets a very short follow-up within an active session skip the
// guard entirely, preserving conversational continuity.
func (e *Engine) bypassOOD(query string, history []session.Message) bool {
	if len(history) == 0 {
		return false
	}
	q := strings.TrimSpace(query)
	if len([]rune(q)) <= 4 {
		return true
	}
	if len(strings.Fields(q)) <= 2 {
		return true
	}
	return false
}

var interrogativeOnly = regexp.MustCompile(`^(뭐|뭔데|무엇|what|how|why|왜|어떻게)\??$`)

// isClarifyFirst decides whether the query is too short or ambiguous to
// retrieve against.
func (e *Engine) isClarifyFirst(query string, intent router.Intent) bool {
	switch intent {
	case router.IntentStorage, router.IntentSubstitution, router.IntentNutrition:
		return false
	}
	q := strings.TrimSpace(query)
	if q == "" {
		return true
	}
	if len([]rune(q)) <= 4 {
		return true
	}
	fields := strings.Fields(q)
	if len(fields) == 1 {
		if bareInterrogatives[strings.ToLower(fields[0])] {
			return true
		}
		return !looksLikeDish(fields[0])
	}
	if interrogativeOnly.MatchString(strings.ToLower(q)) {
		return true
	}
	return false
}

// looksLikeDish is a narrow heuristic: any single token of at least two
// runes is treated as an extractable dish name rather than a bare
// interrogative. The script of the token is not checked.
func looksLikeDish(token string) bool {
	return len([]rune(token)) >= 2
}

func (e *Engine) finishNoRetrieval(sess *session.Session, req Request, resp *Response) {
	resp.Sources = nil
	resp.ImageURLs = nil
	resp.FinalPass = 1
	e.sessions.AddMessage(sess.ID, session.RoleUser, req.Query, nil)
	e.sessions.AddMessage(sess.ID, session.RoleAssistant, resp.Answer, nil)
}

func firstScores(docs []doc.ScoredDoc, n int) []float64 {
	out := make([]float64, 0, n)
	for i, d := range docs {
		if i >= n {
			break
		}
		out = append(out, d.Similarity)
	}
	return out
}

// buildSources extracts up to 3 {title, url} entries aligned to the docs
// the context builder actually selected.
func buildSources(docs []doc.ScoredDoc, selectedTexts []string) []Source {
	selected := make(map[string]bool, len(selectedTexts))
	for _, t := range selectedTexts {
		selected[t] = true
	}
	var out []Source
	seen := make(map[string]bool)
	for _, d := range docs {
		if !selected[d.Text] {
			continue
		}
		if d.Metadata.SourceURL == "" || seen[d.Metadata.SourceURL] {
			continue
		}
		seen[d.Metadata.SourceURL] = true
		out = append(out, Source{Title: d.Metadata.Title, URL: d.Metadata.SourceURL})
		if len(out) >= 3 {
			break
		}
	}
	return out
}

func (e *Engine) buildMetrics(req Request, final passResult, v1, v2 *verify.Verdict) RetrievalMetrics {
	docs := final.docs
	scores := make([]float64, 0, len(docs))
	for _, d := range docs {
		if d.HasSimilarity {
			scores = append(scores, d.Similarity)
		}
	}
	domains := make(map[string]bool)
	for _, d := range docs {
		if h := hostOf(d.Metadata.SourceURL); h != "" {
			domains[h] = true
		}
	}
	return RetrievalMetrics{
		ScoreMode:           final.scoreMode,
		K:                   req.K,
		MMRFetch:            e.cfg.MMRFetch,
		MMRLambda:           e.cfg.MMRLambda,
		SimilarityThreshold: e.cfg.SimilarityThreshold,
		DomainCap:           e.cfg.DomainCap,
		ScoresSummary:       summarize(scores),
		UniqueDomains:       len(domains),
		VerifierMetrics1:    v1,
		VerifierMetrics2:    v2,
	}
}

func summarize(scores []float64) ScoresSummary {
	if len(scores) == 0 {
		return ScoresSummary{}
	}
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	sum := 0.0
	for _, s := range sorted {
		sum += s
	}
	return ScoresSummary{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Avg:   sum / float64(len(sorted)),
		P50:   percentile(sorted, 0.50),
		P90:   percentile(sorted, 0.90),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
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

// --- link hygiene ---

var markdownLinkPattern = regexp.MustCompile(`\[([^\]]*)\]\(https?://[^)]+\)`)
var rawURLPattern = regexp.MustCompile(`https?://\S+`)
var sourcesSectionPattern = regexp.MustCompile(`(?is)\n+(출처|sources?)\s*:?\s*\n.*$`)

// sanitizeLinks replaces any absolute URL in the answer body that is not
// in sources with a neutral placeholder, strips remaining raw/markdown
// link URLs (keeping link text), and removes a trailing sources section.
func sanitizeLinks(answer string, sources []Source) string {
	allowed := make(map[string]bool, len(sources))
	for _, s := range sources {
		allowed[s.URL] = true
	}

	// Markdown links collapse to their text first, so the raw-URL pass
	// below never leaves a placeholder inside link parentheses.
	text := markdownLinkPattern.ReplaceAllString(answer, "$1")
	text = rawURLPattern.ReplaceAllStringFunc(text, func(u string) string {
		if allowed[u] {
			return u
		}
		return "[출처 링크]"
	})
	text = rawURLPattern.ReplaceAllString(text, "")
	text = sourcesSectionPattern.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// --- image gating ---

var imageGatedIntents = map[router.Intent]bool{
	router.IntentRecipe:       true,
	router.IntentDishOverview: true,
	router.IntentSubstitution: true,
	router.IntentStorage:      true,
}

func gateImages(req Request, intent router.Intent, answerText, query string, final passResult, maxImages int) []string {
	switch req.ImagePolicy {
	case ImageAlways:
		return capImages(dedupeNonEmpty(final.selectedImages), maxImages)
	case ImageLenient:
		if !imageGatedIntents[intent] {
			return nil
		}
		return capImages(dedupeNonEmpty(final.selectedImages), maxImages)
	default: // strict
		if !imageGatedIntents[intent] {
			return nil
		}
		if final.verdict.Branch != verify.BranchGrounded {
			return nil
		}
		dish := extractDish(answerText, query)
		var kept []string
		// selectedImages is index-aligned with selectedTexts; dedupe only
		// after the per-document dish gate.
		for i, text := range final.selectedTexts {
			if i >= len(final.selectedImages) || final.selectedImages[i] == "" {
				continue
			}
			if dish == "" || strings.Contains(strings.ToLower(text), strings.ToLower(dish)) {
				kept = append(kept, final.selectedImages[i])
			}
		}
		return capImages(dedupeNonEmpty(kept), maxImages)
	}
}

// extractDish pulls a target dish token from the answer, falling back to
// the query. Tokenizing strips trailing Korean particles so the token
// matches against raw document text.
func extractDish(answerText, query string) string {
	if toks := tokenizer.Tokens(answerText); len(toks) > 0 {
		return toks[0]
	}
	if toks := tokenizer.Tokens(query); len(toks) > 0 {
		return toks[0]
	}
	return ""
}

func dedupeNonEmpty(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func capImages(images []string, max int) []string {
	if max > 0 && len(images) > max {
		images = images[:max]
	}
	return images
}
