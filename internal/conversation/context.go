package conversation

import "context"

// TurnInfo identifies the turn a completion call belongs to.
type TurnInfo struct {
	Tenant       string
	Conversation string
	TurnID       string
}

type turnKey struct{}

func withTurn(ctx context.Context, info TurnInfo) context.Context {
	return context.WithValue(ctx, turnKey{}, info)
}

// TurnFromContext returns the turn the orchestrator attached to ctx
// before calling the completer.
func TurnFromContext(ctx context.Context) (TurnInfo, bool) {
	info, ok := ctx.Value(turnKey{}).(TurnInfo)
	return info, ok
}
