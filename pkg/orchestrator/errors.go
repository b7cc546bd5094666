package orchestrator

import "errors"

// Sentinel errors form the taxonomy a caller can match with errors.Is.
// Provider errors are wrapped with fmt.Errorf("%w: ...") so the underlying
// vendor error is never lost.
var (
	ErrEmptyTranscription = errors.New("transcription returned empty text")

	ErrTranscriptionFailed = errors.New("speech-to-text transcription failed")

	ErrLLMFailed = errors.New("language model generation failed")

	ErrTTSFailed = errors.New("text-to-speech synthesis failed")

	ErrNilProvider = errors.New("required provider is nil")

	ErrContextCancelled = errors.New("operation cancelled by context")

	// ErrProviderUnavailable means a provider could not be opened for this
	// turn (connection refused, auth failure at dial time). Distinct from a
	// mid-stream transient error: the turn never started.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrProviderTransient wraps a mid-stream provider failure (dropped
	// websocket, read timeout) that a turn can recover from by falling back
	// to batch transcription or a canned apology, rather than failing the
	// whole session.
	ErrProviderTransient = errors.New("transient provider error")

	// ErrProtocolViolation means the client sent an InboundEvent the Session
	// cannot interpret in its current TurnState (§7).
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrSessionFatal means the session cannot continue and must be torn
	// down (e.g. the agent registry lookup for the configured agent_id
	// failed and no fallback agent exists).
	ErrSessionFatal = errors.New("session fatal error")

	// ErrStaleTurn is returned internally when a component notices its
	// captured turn_id no longer matches the controller's current turn; it
	// never reaches a caller, it only drives the drop-do-not-emit path (I5).
	ErrStaleTurn = errors.New("stale turn")

	// ErrInvariantViolation marks a bug: a state transition the controller
	// itself should never allow was attempted.
	ErrInvariantViolation = errors.New("invariant violation")
)
