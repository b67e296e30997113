package conversation

import (
	"context"
	"log/slog"

	"github.com/zoobzio/capitan"
)

// Turn lifecycle signals. Signals follow the pattern
// atende.<entity>.<event>.
var (
	TurnStarted = capitan.NewSignal(
		"atende.turn.started",
		"A user message was accepted for processing",
	)
	TurnCompleted = capitan.NewSignal(
		"atende.turn.completed",
		"The reply was chunked and the session saved",
	)
	TurnFailed = capitan.NewSignal(
		"atende.turn.failed",
		"The turn ended without a reply",
	)
	FactsMerged = capitan.NewSignal(
		"atende.facts.merged",
		"New or updated facts were merged into the session",
	)
	PhaseChanged = capitan.NewSignal(
		"atende.phase.changed",
		"The conversation advanced to a later phase",
	)
	FlagMarked = capitan.NewSignal(
		"atende.flag.marked",
		"A once-per-session flag fired",
	)
)

// Event fields.
var (
	FieldTenant        = capitan.NewStringKey("tenant")
	FieldConversation  = capitan.NewStringKey("conversation")
	FieldTurnID        = capitan.NewStringKey("turn_id")
	FieldPhase         = capitan.NewStringKey("phase")
	FieldPreviousPhase = capitan.NewStringKey("previous_phase")
	FieldFlag          = capitan.NewStringKey("flag")
	FieldFacts         = capitan.NewStringKey("facts")
	FieldIntent        = capitan.NewStringKey("intent")
	FieldReason        = capitan.NewStringKey("reason")
	FieldChunks        = capitan.NewIntKey("chunks")
	FieldDuration      = capitan.NewDurationKey("duration")
	FieldError         = capitan.NewErrorKey("error")
)

var loggedSignals = []struct {
	signal capitan.Signal
	msg    string
}{
	{TurnStarted, "turn started"},
	{TurnCompleted, "turn completed"},
	{TurnFailed, "turn failed"},
	{FactsMerged, "facts merged"},
	{PhaseChanged, "phase changed"},
	{FlagMarked, "flag marked"},
}

// LogEvents writes every conversation event to logger. Failures log at
// Warn, everything else at Debug. Call the returned function to stop.
func LogEvents(logger *slog.Logger) (stop func()) {
	if logger == nil {
		logger = slog.Default()
	}
	listeners := make([]*capitan.Listener, 0, len(loggedSignals))
	for _, ls := range loggedSignals {
		msg := ls.msg
		listeners = append(listeners, capitan.Hook(ls.signal, func(ctx context.Context, e *capitan.Event) {
			level := slog.LevelDebug
			if e.Severity() == capitan.SeverityError {
				level = slog.LevelWarn
			}
			logger.LogAttrs(ctx, level, msg, eventAttrs(e)...)
		}))
	}
	return func() {
		for _, l := range listeners {
			l.Close()
		}
	}
}

// stringField is satisfied by capitan's string keys.
type stringField interface {
	Name() string
	From(*capitan.Event) (string, bool)
}

var stringFields = []stringField{
	FieldTenant, FieldConversation, FieldTurnID, FieldPhase,
	FieldPreviousPhase, FieldFlag, FieldFacts, FieldIntent, FieldReason,
}

func eventAttrs(e *capitan.Event) []slog.Attr {
	var attrs []slog.Attr
	for _, k := range stringFields {
		if v, ok := k.From(e); ok && v != "" {
			attrs = append(attrs, slog.String(k.Name(), v))
		}
	}
	if v, ok := FieldChunks.From(e); ok {
		attrs = append(attrs, slog.Int("chunks", v))
	}
	if v, ok := FieldDuration.From(e); ok {
		attrs = append(attrs, slog.Duration("elapsed", v))
	}
	if v, ok := FieldError.From(e); ok && v != nil {
		attrs = append(attrs, slog.Any("error", v))
	}
	return attrs
}
