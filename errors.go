package cookrag

import "errors"

var (
	// ErrInputInvalid is returned by Engine.Run when k is outside [1, 50].
	// No external calls are made before this error surfaces. An empty query
	// does not produce it; the OOD guard answers an empty query with a
	// prompt to enter a question.
	ErrInputInvalid = errors.New("cookrag: invalid input")

	// ErrSafetyBlock names a moderation block. Engine.Run does not return
	// it: a flagged query yields a canonical refusal Response (branch
	// out_of_domain) with a nil error, and is never retried.
	ErrSafetyBlock = errors.New("cookrag: safety block")

	// ErrDomainBlock names an out-of-domain judgement. Engine.Run does not
	// return it: such a query yields a domain refusal Response (branch
	// out_of_domain) with a nil error.
	ErrDomainBlock = errors.New("cookrag: out of domain")

	// ErrRetrievalUnavailable names the case where both the dense and sparse
	// retrieval paths fail in the same request. Engine.Run does not return
	// it: the failure is logged, recorded as retrieve_error in the pipeline,
	// and answered under the no_docs branch.
	ErrRetrievalUnavailable = errors.New("cookrag: retrieval unavailable")

	// ErrProviderTransient names a recoverable failure from an embedding,
	// LLM, moderation, or reranker collaborator. No code in this module
	// returns or wraps it; each stage falls back on its own rather than
	// failing the request.
	ErrProviderTransient = errors.New("cookrag: provider transiently unavailable")

	// ErrSessionNotFound names a session id that does not resolve to a live
	// (non-expired) session. Engine.Run does not return it: an unknown or
	// expired id gets a fresh session.
	ErrSessionNotFound = errors.New("cookrag: session not found")

	// ErrNoResults names a retrieval that yields no usable documents.
	// Engine.Run does not return it; it answers under the no_docs branch.
	ErrNoResults = errors.New("cookrag: no results found")

	// ErrLLMUnavailable names a missing chat/embedding provider for a
	// required role. No code in this module returns it.
	ErrLLMUnavailable = errors.New("cookrag: llm provider unavailable")

	// ErrInvalidConfig names an invalid configuration value. No code in
	// this module returns it.
	ErrInvalidConfig = errors.New("cookrag: invalid configuration")
)
