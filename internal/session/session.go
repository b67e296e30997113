// Package session holds per-conversation state: the full turn history,
// the accumulated fact mapping, fired-once flags and the last dialogue
// phase. Sessions are keyed by (tenant, conversation) and persisted as
// whole records through a [Store].
//
// A *Session is a plain value owned by one goroutine at a time. The
// orchestrator serializes access per key with a [Locker]; stores never
// hand out shared pointers.
package session

import (
	"sort"
	"strings"
	"time"
)

// Key identifies a session. The same conversation key under two
// tenants names two unrelated sessions.
type Key struct {
	TenantID        string `json:"tenant_id"`
	ConversationKey string `json:"conversation_key"`
}

// String renders the key for logs.
func (k Key) String() string {
	return k.TenantID + "/" + k.ConversationKey
}

// Role identifies the author of a turn.
type Role string

// Turn roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Fact is one accumulated piece of information about the customer.
type Fact struct {
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source,omitempty"`
	TurnID     string    `json:"turn_id,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Turn is one immutable history record. Facts holds the entries this
// turn applied to the session, so a user turn whose reply failed has
// none.
type Turn struct {
	ID        string          `json:"id"`
	Role      Role            `json:"role"`
	Text      string          `json:"text"`
	Chunks    []string        `json:"chunks,omitempty"`
	Facts     map[string]Fact `json:"facts,omitempty"`
	Phase     string          `json:"phase,omitempty"`
	Intent    string          `json:"intent,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Session is the mutable state of one conversation.
type Session struct {
	Key
	Version   int64                `json:"version"`
	History   []Turn               `json:"history"`
	Facts     map[string]Fact      `json:"facts"`
	Flags     map[string]time.Time `json:"flags"`
	Phase     string               `json:"phase,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// New returns an empty, unsaved session for key.
func New(key Key, now time.Time) *Session {
	return &Session{
		Key:       key,
		Facts:     make(map[string]Fact),
		Flags:     make(map[string]time.Time),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MergePolicy controls how [Session.MergeFacts] treats existing keys.
type MergePolicy struct {
	// Immutable keys are never overwritten once set.
	Immutable map[string]bool

	// SetValued keys hold comma-separated sets and merge by union.
	SetValued map[string]bool
}

// DefaultMergePolicy treats "channels" as a set and nothing as immutable.
func DefaultMergePolicy() MergePolicy {
	return MergePolicy{SetValued: map[string]bool{"channels": true}}
}

// MergeFacts folds delta into the session's facts and returns the
// entries that actually changed. A value never replaces one held with
// higher confidence; equal or higher confidence overwrites (last write
// wins) unless the key is immutable.
func (s *Session) MergeFacts(delta map[string]Fact, policy MergePolicy) map[string]Fact {
	if s.Facts == nil {
		s.Facts = make(map[string]Fact)
	}
	applied := make(map[string]Fact)

	keys := make([]string, 0, len(delta))
	for k := range delta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		f := delta[k]
		if strings.TrimSpace(f.Value) == "" {
			continue
		}
		cur, ok := s.Facts[k]
		switch {
		case !ok:
			// new key
		case policy.Immutable[k]:
			continue
		case policy.SetValued[k]:
			union := unionValues(cur.Value, f.Value)
			if union == cur.Value {
				continue
			}
			f.Value = union
			if cur.Confidence > f.Confidence {
				f.Confidence = cur.Confidence
			}
		case f.Confidence < cur.Confidence:
			continue
		case f.Value == cur.Value && f.Confidence == cur.Confidence:
			continue
		}
		s.Facts[k] = f
		applied[k] = f
	}
	return applied
}

// unionValues merges two comma-separated sets, sorted.
func unionValues(a, b string) string {
	seen := make(map[string]bool)
	var out []string
	for _, part := range strings.Split(a+","+b, ",") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}

// MarkOnce sets flag and reports whether this call set it. Later calls
// for the same flag return false and leave the original time intact.
func (s *Session) MarkOnce(flag string, at time.Time) bool {
	if s.Flags == nil {
		s.Flags = make(map[string]time.Time)
	}
	if _, ok := s.Flags[flag]; ok {
		return false
	}
	s.Flags[flag] = at
	return true
}

// HasFlag reports whether flag has fired.
func (s *Session) HasFlag(flag string) bool {
	_, ok := s.Flags[flag]
	return ok
}

// AppendTurn adds t to the end of the history. The turn is copied so
// later changes to the caller's slices do not leak into the history.
func (s *Session) AppendTurn(t Turn) {
	s.History = append(s.History, copyTurn(t))
	if t.CreatedAt.After(s.UpdatedAt) {
		s.UpdatedAt = t.CreatedAt
	}
}

// UserTurns counts turns authored by the user.
func (s *Session) UserTurns() int {
	n := 0
	for _, t := range s.History {
		if t.Role == RoleUser {
			n++
		}
	}
	return n
}

// LastTurn returns the most recent turn, if any.
func (s *Session) LastTurn() (Turn, bool) {
	if len(s.History) == 0 {
		return Turn{}, false
	}
	return s.History[len(s.History)-1], true
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	c := *s
	c.History = make([]Turn, len(s.History))
	for i, t := range s.History {
		c.History[i] = copyTurn(t)
	}
	c.Facts = make(map[string]Fact, len(s.Facts))
	for k, v := range s.Facts {
		c.Facts[k] = v
	}
	c.Flags = make(map[string]time.Time, len(s.Flags))
	for k, v := range s.Flags {
		c.Flags[k] = v
	}
	return &c
}

func copyTurn(t Turn) Turn {
	if t.Chunks != nil {
		t.Chunks = append([]string(nil), t.Chunks...)
	}
	if t.Facts != nil {
		facts := make(map[string]Fact, len(t.Facts))
		for k, v := range t.Facts {
			facts[k] = v
		}
		t.Facts = facts
	}
	return t
}
