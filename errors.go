package caselaw

import (
	"context"
	"errors"

	"github.com/brunobiangulo/caselaw/embedding"
	"github.com/brunobiangulo/caselaw/index"
	"github.com/brunobiangulo/caselaw/llm"
	"github.com/brunobiangulo/caselaw/parser"
	"github.com/brunobiangulo/caselaw/store"
)

var (
	// ErrUnsupportedFormat is returned for document formats no parser handles.
	ErrUnsupportedFormat = parser.ErrUnsupportedFormat

	// ErrCorruptDocument is returned when an upload cannot be parsed.
	ErrCorruptDocument = parser.ErrCorruptDocument

	// ErrCaseNotFound is returned for unknown case ids.
	ErrCaseNotFound = store.ErrCaseNotFound

	// ErrDocumentNotFound is returned for unknown document ids.
	ErrDocumentNotFound = store.ErrDocumentNotFound

	// ErrInvalidInput is returned for empty titles, filenames or payloads.
	ErrInvalidInput = store.ErrInvalidInput

	// ErrEmbeddingMismatch is returned when a case was created with a
	// different embedding model than the one configured.
	ErrEmbeddingMismatch = store.ErrEmbeddingMismatch

	// ErrEmbeddingUnavailable is returned when the embedding backend fails.
	ErrEmbeddingUnavailable = embedding.ErrBackend

	// ErrLLMUnavailable is returned when the chat endpoint keeps failing.
	ErrLLMUnavailable = llm.ErrUnavailable

	// ErrLLMTimeout is returned when the chat endpoint does not answer in time.
	ErrLLMTimeout = llm.ErrTimeout

	// ErrLLMAuth is returned when the chat endpoint rejects the credentials.
	ErrLLMAuth = llm.ErrAuth

	// ErrLLMRequestFailed is returned when the chat endpoint rejects the request.
	ErrLLMRequestFailed = llm.ErrBadRequest

	// ErrIndexNotLoaded is returned by statute searches before a build or load.
	ErrIndexNotLoaded = index.ErrIndexNotLoaded

	// ErrCorruptIndex is returned when the persisted statute index is unusable.
	ErrCorruptIndex = index.ErrCorruptIndex

	// ErrIndexBuild is returned when a statute index rebuild fails.
	ErrIndexBuild = index.ErrIndexBuild

	// ErrEmptyQuestion is returned by Ask for blank questions.
	ErrEmptyQuestion = errors.New("caselaw: question is empty")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("caselaw: invalid configuration")

	// ErrClosed is returned when the engine has been closed.
	ErrClosed = errors.New("caselaw: engine is closed")
)

// Kind groups errors by who can fix them.
type Kind string

const (
	KindInput     Kind = "input"     // the request or the uploaded file is wrong
	KindBackend   Kind = "backend"   // embedding or chat service failed
	KindIntegrity Kind = "integrity" // persisted data disagrees with itself or the config
	KindInternal  Kind = "internal"
)

// Action tells the user what to do about an error.
type Action string

const (
	ActionFixInput     Action = "fix_input"
	ActionRetry        Action = "retry"
	ActionReupload     Action = "reupload"
	ActionRebuildIndex Action = "rebuild_index"
	ActionNone         Action = ""
)

// KindOf classifies err.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnsupportedFormat),
		errors.Is(err, ErrCorruptDocument),
		errors.Is(err, ErrCaseNotFound),
		errors.Is(err, ErrDocumentNotFound),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrEmptyQuestion),
		errors.Is(err, ErrInvalidConfig):
		return KindInput
	case errors.Is(err, ErrCorruptIndex),
		errors.Is(err, ErrIndexNotLoaded),
		errors.Is(err, ErrEmbeddingMismatch),
		errors.Is(err, ErrIndexBuild) && !isBackend(err):
		return KindIntegrity
	case isBackend(err):
		return KindBackend
	default:
		return KindInternal
	}
}

func isBackend(err error) bool {
	return errors.Is(err, ErrEmbeddingUnavailable) ||
		errors.Is(err, ErrLLMUnavailable) ||
		errors.Is(err, ErrLLMTimeout) ||
		errors.Is(err, ErrLLMAuth) ||
		errors.Is(err, ErrLLMRequestFailed) ||
		errors.Is(err, context.DeadlineExceeded)
}

// ActionOf suggests how the user can recover from err.
func ActionOf(err error) Action {
	switch KindOf(err) {
	case KindInput:
		if errors.Is(err, ErrCorruptDocument) {
			return ActionReupload
		}
		return ActionFixInput
	case KindBackend:
		if errors.Is(err, ErrLLMAuth) || errors.Is(err, ErrLLMRequestFailed) {
			return ActionFixInput
		}
		if errors.Is(err, ErrEmbeddingUnavailable) && !embedding.IsTransient(err) {
			return ActionFixInput
		}
		return ActionRetry
	case KindIntegrity:
		if errors.Is(err, ErrEmbeddingMismatch) {
			return ActionFixInput
		}
		return ActionRebuildIndex
	case KindInternal:
		return ActionRetry
	}
	return ActionNone
}
