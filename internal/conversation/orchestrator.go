// Package conversation runs one conversational turn end to end: it
// extracts facts from the user's message, updates the session,
// classifies the dialogue phase, builds the prompt, asks the model for
// a reply, chunks it for delivery and persists the result.
//
// Turns on the same (tenant, conversation) key are serialized; turns on
// different keys run in parallel. A turn either commits completely or,
// when the model fails, records only the user's message.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/capitan"

	"github.com/nugget/atende/internal/analyze"
	"github.com/nugget/atende/internal/chunk"
	"github.com/nugget/atende/internal/extract"
	"github.com/nugget/atende/internal/prompts"
	"github.com/nugget/atende/internal/session"
	"github.com/nugget/atende/internal/tenant"
)

// LevelTrace is below Debug; prompt and reply bodies log here.
const LevelTrace = slog.Level(-8)

// DefaultSaveTimeout bounds the save that records a failed turn. It
// runs detached from the caller's context so a canceled request still
// leaves the user's message on record.
const DefaultSaveTimeout = 5 * time.Second

// Completer produces the model's reply to a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// TenantSource resolves tenant ids. Unknown ids return an error
// wrapping [tenant.ErrNotFound].
type TenantSource interface {
	Tenant(ctx context.Context, id string) (*tenant.Tenant, error)
}

// Orchestrator runs turns. It is safe for concurrent use.
type Orchestrator struct {
	tenants   TenantSource
	store     session.Store
	completer Completer
	locker    *session.Locker

	chunking    chunk.Options
	saveTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator replaces the turn id generator.
func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) { o.newID = gen }
}

// WithChunking sets the deployment-wide chunking defaults. Tenants may
// override them.
func WithChunking(opts chunk.Options) Option {
	return func(o *Orchestrator) { o.chunking = opts }
}

// WithLocker shares a key locker with other writers of the same store.
func WithLocker(l *session.Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

// WithSaveTimeout bounds saves that run detached from the caller.
func WithSaveTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.saveTimeout = d }
}

// New returns an Orchestrator over the given collaborators.
func New(tenants TenantSource, store session.Store, completer Completer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		tenants:     tenants,
		store:       store,
		completer:   completer,
		chunking:    chunk.Options{MinChars: chunk.DefaultMinChars, MaxChars: chunk.DefaultMaxChars, Mode: chunk.ModeWhatsApp},
		saveTimeout: DefaultSaveTimeout,
		logger:      slog.Default(),
		now:         time.Now,
		newID:       newTurnID,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.locker == nil {
		o.locker = session.NewLocker()
	}
	return o
}

func newTurnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// HandleTurn processes one user message and returns the reply chunks
// in delivery order.
//
// Errors: [ErrEmptyInput]; [ErrTenantNotFound]; *[CompletionError]
// when the model fails, after the user's message has been saved;
// *[PersistenceError] when the session cannot be read or written.
func (o *Orchestrator) HandleTurn(ctx context.Context, tenantID, conversationKey, input string) ([]string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyInput
	}

	start := o.now()
	key := session.Key{TenantID: tenantID, ConversationKey: conversationKey}
	log := o.logger.With("tenant", tenantID, "conversation", conversationKey)

	unlock, err := o.locker.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lock session: %w", err)
	}
	defer unlock()

	t, err := o.resolveTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	loaded, err := o.store.Load(ctx, key)
	if err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}
	work := loaded.Clone()

	userTurn := session.Turn{
		ID:        o.newID(),
		Role:      session.RoleUser,
		Text:      input,
		CreatedAt: start,
	}
	capitan.Emit(ctx, TurnStarted,
		FieldTenant.Field(tenantID),
		FieldConversation.Field(conversationKey),
		FieldTurnID.Field(userTurn.ID),
	)

	// Facts and flags.
	res := t.Extractor().Extract(input)
	if err := res.Err(); err != nil {
		log.Debug("ambiguous extraction", "error", err)
	}
	applied := work.MergeFacts(sessionFacts(res, userTurn.ID, start), t.MergePolicy())
	if len(applied) > 0 {
		userTurn.Facts = applied
		capitan.Emit(ctx, FactsMerged,
			FieldTenant.Field(tenantID),
			FieldConversation.Field(conversationKey),
			FieldTurnID.Field(userTurn.ID),
			FieldFacts.Field(factKeys(applied)),
		)
	}

	analyzer := t.Analyzer()
	intent := extract.DetectIntent(input)
	userTurn.Intent = string(intent)

	var marked []string
	greet := false
	if intent == extract.IntentGreeting || len(work.History) == 0 {
		if work.MarkOnce(analyze.FlagGreeted, start) {
			greet = true
			marked = append(marked, analyze.FlagGreeted)
		}
	}
	if intent == extract.IntentFarewell && analyzer.Analyze(work).Phase >= analyze.Consultation {
		if work.MarkOnce(analyze.FlagResolved, start) {
			marked = append(marked, analyze.FlagResolved)
		}
	}

	// Provisional user turn, then classification.
	work.AppendTurn(userTurn)
	analysis := analyzer.Analyze(work)
	previous := work.Phase
	work.Phase = analysis.Phase.String()
	work.History[len(work.History)-1].Phase = work.Phase
	userTurn.Phase = work.Phase

	for _, flag := range marked {
		capitan.Emit(ctx, FlagMarked,
			FieldTenant.Field(tenantID),
			FieldConversation.Field(conversationKey),
			FieldFlag.Field(flag),
		)
	}
	if previous != work.Phase {
		capitan.Emit(ctx, PhaseChanged,
			FieldTenant.Field(tenantID),
			FieldConversation.Field(conversationKey),
			FieldPreviousPhase.Field(previous),
			FieldPhase.Field(work.Phase),
		)
	}

	// Prompt and completion.
	opts := t.ChunkOptions(o.chunking)
	prompt := prompts.Build(t, work, analysis, prompts.Steering{Greet: greet, Response: opts})
	if len(prompt.MissingTopics) > 0 {
		log.Debug("knowledge gap", "topics", strings.Join(prompt.MissingTopics, ", "))
	}
	log.Log(ctx, LevelTrace, "prompt", "text", prompt.String())

	turnCtx := withTurn(ctx, TurnInfo{Tenant: tenantID, Conversation: conversationKey, TurnID: userTurn.ID})
	reply, err := o.completer.Complete(turnCtx, prompt.String())
	var chunks []string
	if err == nil {
		log.Log(ctx, LevelTrace, "reply", "text", reply)
		chunks = chunk.New(opts).Chunk(reply)
		if len(chunks) == 0 {
			err = errEmptyReply
		}
	}
	if err != nil {
		return nil, o.failTurn(ctx, log, loaded, userTurn, err, start)
	}

	work.AppendTurn(session.Turn{
		ID:        o.newID(),
		Role:      session.RoleAssistant,
		Text:      reply,
		Chunks:    chunks,
		Phase:     work.Phase,
		CreatedAt: o.now(),
	})

	if err := o.save(ctx, work); err != nil {
		perr := &PersistenceError{Op: "save", Err: err}
		o.emitFailed(ctx, tenantID, conversationKey, userTurn.ID, "persistence", perr, start)
		return nil, perr
	}

	elapsed := o.now().Sub(start)
	capitan.Emit(ctx, TurnCompleted,
		FieldTenant.Field(tenantID),
		FieldConversation.Field(conversationKey),
		FieldTurnID.Field(userTurn.ID),
		FieldPhase.Field(work.Phase),
		FieldChunks.Field(len(chunks)),
		FieldDuration.Field(elapsed),
	)
	log.Info("turn completed",
		"phase", work.Phase,
		"intent", userTurn.Intent,
		"chunks", len(chunks),
		"elapsed", elapsed.Round(time.Millisecond),
	)
	return chunks, nil
}

// failTurn records the user's message on top of the session as it was
// loaded, discarding everything else the turn computed.
func (o *Orchestrator) failTurn(ctx context.Context, log *slog.Logger, loaded *session.Session, userTurn session.Turn, cause error, start time.Time) error {
	cerr := &CompletionError{Reason: classify(cause), Err: cause}

	rec := loaded.Clone()
	// The turn's facts and phase were never applied to rec.
	userTurn.Facts = nil
	userTurn.Phase = rec.Phase
	rec.AppendTurn(userTurn)
	if err := o.save(ctx, rec); err != nil {
		log.Error("cannot record failed turn", "error", err, "cause", cause)
		cerr2 := &PersistenceError{Op: "save", Err: err}
		o.emitFailed(ctx, rec.TenantID, rec.ConversationKey, userTurn.ID, cerr.Reason, cerr, start)
		return errors.Join(cerr, cerr2)
	}

	log.Warn("completion failed, user turn recorded", "reason", cerr.Reason, "error", cause)
	o.emitFailed(ctx, rec.TenantID, rec.ConversationKey, userTurn.ID, cerr.Reason, cerr, start)
	return cerr
}

// save runs detached from ctx's cancellation: once a turn reaches the
// store it is recorded even if the caller has gone away.
func (o *Orchestrator) save(ctx context.Context, s *session.Session) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.saveTimeout)
	defer cancel()
	return o.store.Save(ctx, s)
}

func (o *Orchestrator) emitFailed(ctx context.Context, tenantID, conversationKey, turnID, reason string, err error, start time.Time) {
	capitan.Error(ctx, TurnFailed,
		FieldTenant.Field(tenantID),
		FieldConversation.Field(conversationKey),
		FieldTurnID.Field(turnID),
		FieldReason.Field(reason),
		FieldDuration.Field(o.now().Sub(start)),
		FieldError.Field(err),
	)
}

func (o *Orchestrator) resolveTenant(ctx context.Context, id string) (*tenant.Tenant, error) {
	t, err := o.tenants.Tenant(ctx, id)
	if errors.Is(err, tenant.ErrNotFound) {
		return nil, fmt.Errorf("%q: %w", id, ErrTenantNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve tenant: %w", err)
	}
	return t, nil
}

// Session returns a snapshot of the stored session. A conversation
// that never happened yields an empty session with Version 0.
func (o *Orchestrator) Session(ctx context.Context, tenantID, conversationKey string) (*session.Session, error) {
	if _, err := o.resolveTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	s, err := o.store.Load(ctx, session.Key{TenantID: tenantID, ConversationKey: conversationKey})
	if err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}
	return s, nil
}

// Forget deletes a conversation's session, waiting for any turn in
// progress on it to finish.
func (o *Orchestrator) Forget(ctx context.Context, tenantID, conversationKey string) error {
	if _, err := o.resolveTenant(ctx, tenantID); err != nil {
		return err
	}
	key := session.Key{TenantID: tenantID, ConversationKey: conversationKey}
	unlock, err := o.locker.Lock(ctx, key)
	if err != nil {
		return fmt.Errorf("lock session: %w", err)
	}
	defer unlock()

	if err := o.store.Delete(ctx, key); err != nil {
		return &PersistenceError{Op: "delete", Err: err}
	}
	o.logger.Info("session forgotten", "tenant", tenantID, "conversation", conversationKey)
	return nil
}

// Conversations lists the conversation keys stored for a tenant.
func (o *Orchestrator) Conversations(ctx context.Context, tenantID string) ([]string, error) {
	if _, err := o.resolveTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	keys, err := o.store.List(ctx, tenantID)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	return keys, nil
}

// sessionFacts converts an extraction result into a merge delta.
func sessionFacts(res extract.Result, turnID string, at time.Time) map[string]session.Fact {
	if res.Empty() {
		return nil
	}
	out := make(map[string]session.Fact, len(res.Facts))
	for k, f := range res.Facts {
		out[k] = session.Fact{
			Value:      f.Value,
			Confidence: f.Confidence,
			Source:     f.Rule,
			TurnID:     turnID,
			UpdatedAt:  at,
		}
	}
	return out
}

func factKeys(facts map[string]session.Fact) string {
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}
