package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/fmueller/voxserve/internal/audio"
	"github.com/fmueller/voxserve/internal/scheduler"
	"github.com/fmueller/voxserve/internal/whisper"
)

// Kind is the coarse failure class reported to clients.
type Kind string

const (
	KindEmptyAudio        Kind = "EmptyAudio"
	KindUnsupportedFormat Kind = "UnsupportedFormat"
	KindDecodeFailure     Kind = "DecodeFailure"
	KindTooLarge          Kind = "TooLarge"
	KindInvalidRequest    Kind = "InvalidRequest"
	KindBackpressure      Kind = "Backpressure"
	KindEngineFailure     Kind = "EngineFailure"
	KindTierUnavailable   Kind = "TierUnavailable"
	KindCanceled          Kind = "Canceled"
	KindInternal          Kind = "Internal"
)

// Class groups kinds by who can fix them.
type Class int

const (
	ClassClient Class = iota
	ClassCapacity
	ClassEngine
	ClassCanceled
	ClassInternal
)

func (k Kind) Class() Class {
	switch k {
	case KindEmptyAudio, KindUnsupportedFormat, KindDecodeFailure, KindTooLarge, KindInvalidRequest:
		return ClassClient
	case KindBackpressure, KindTierUnavailable:
		return ClassCapacity
	case KindEngineFailure:
		return ClassEngine
	case KindCanceled:
		return ClassCanceled
	default:
		return ClassInternal
	}
}

var publicMessages = map[Kind]string{
	KindEmptyAudio:        "audio is empty or contains no speech",
	KindUnsupportedFormat: "uploaded content is not a supported audio format",
	KindDecodeFailure:     "audio could not be decoded",
	KindTooLarge:          "audio exceeds the upload size limit",
	KindInvalidRequest:    "request is invalid",
	KindBackpressure:      "server is at capacity, retry later",
	KindEngineFailure:     "transcription failed on every model tier",
	KindTierUnavailable:   "requested model tier is not available",
	KindCanceled:          "request was canceled",
	KindInternal:          "internal error",
}

// PublicMessage is safe to return to clients; it never carries engine
// diagnostics.
func (k Kind) PublicMessage() string {
	if msg, ok := publicMessages[k]; ok {
		return msg
	}
	return publicMessages[KindInternal]
}

// Error is a classified pipeline failure. Attempts holds the engine
// invocations made before the failure, for logs only.
type Error struct {
	Kind     Kind
	Op       string
	Message  string
	Cause    error
	Attempts []whisper.Invocation
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// KindOf classifies any error returned by the pipeline or its
// collaborators. nil maps to "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}

	switch {
	case errors.Is(err, audio.ErrEmptyAudio):
		return KindEmptyAudio
	case errors.Is(err, audio.ErrTooLarge):
		return KindTooLarge
	case errors.Is(err, audio.ErrUnsupportedFormat):
		return KindUnsupportedFormat
	case errors.Is(err, audio.ErrDecodeFailure):
		return KindDecodeFailure
	case errors.Is(err, scheduler.ErrQueueFull), errors.Is(err, scheduler.ErrClosed):
		return KindBackpressure
	case errors.Is(err, whisper.ErrUnknownTier), errors.Is(err, whisper.ErrUnknownLanguage):
		return KindInvalidRequest
	case errors.Is(err, whisper.ErrTierUnavailable), errors.Is(err, whisper.ErrNoUsableTier):
		return KindTierUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}

// classify wraps err in an *Error unless it already is one.
func classify(op string, err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	kind := KindOf(err)
	return newError(kind, op, kind.PublicMessage(), err)
}
