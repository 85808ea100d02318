package conflict

import (
	"context"
)

// Strategy names reported in resolutions.
const (
	StrategyServerWins = "server-wins"
	StrategyClientWins = "client-wins"
	StrategyMerge      = "merge"
	StrategyManual     = "manual"
)

// ServerWins discards the client value entirely.
type ServerWins struct{}

func (ServerWins) Name() string { return StrategyServerWins }

func (ServerWins) Resolve(_ context.Context, record Record) (Resolution, error) {
	return Resolution{MergedValue: cloneValue(record.ServerValue), Strategy: StrategyServerWins}, nil
}

// ClientWins discards the server value entirely.
type ClientWins struct{}

func (ClientWins) Name() string { return StrategyClientWins }

func (ClientWins) Resolve(_ context.Context, record Record) (Resolution, error) {
	return Resolution{MergedValue: cloneValue(record.ClientValue), Strategy: StrategyClientWins}, nil
}

// FieldRule refines the merge for one field when both sides carry a value.
type FieldRule func(server, client any) any

// MaxNumber keeps the larger of two numeric values. Suited to monotonic
// fields such as completion percentages where a stale client read must never
// regress a higher value.
func MaxNumber(server, client any) any {
	serverNum, okServer := numericValue(server)
	clientNum, okClient := numericValue(client)
	if !okServer || !okClient {
		return client
	}
	if serverNum > clientNum {
		return server
	}
	return client
}

// Merge is the default field-level strategy: start from the server object and
// overwrite each field with the client's value when that value is non-null.
// Fields that are null on both sides stay at the server's copy (null).
type Merge struct {
	// FieldRules override the non-null-client-wins default per field.
	FieldRules map[string]FieldRule
}

func (Merge) Name() string { return StrategyMerge }

func (m Merge) Resolve(_ context.Context, record Record) (Resolution, error) {
	merged := cloneValue(record.ServerValue)
	if merged == nil {
		merged = make(map[string]any)
	}
	for field, clientVal := range record.ClientValue {
		if rule, ok := m.FieldRules[field]; ok {
			merged[field] = rule(record.ServerValue[field], clientVal)
			continue
		}
		if clientVal == nil {
			continue
		}
		merged[field] = clientVal
	}
	return Resolution{MergedValue: merged, Strategy: StrategyMerge}, nil
}

// Resolver is a caller-supplied manual resolution function.
type Resolver func(ctx context.Context, record Record) (map[string]any, error)

// Manual delegates to a caller-supplied resolver. Without one it falls back
// to server-wins and flags the record for follow-up.
type Manual struct {
	Resolver Resolver
}

func (Manual) Name() string { return StrategyManual }

func (m Manual) Resolve(ctx context.Context, record Record) (Resolution, error) {
	if m.Resolver == nil {
		return Resolution{
			MergedValue:   cloneValue(record.ServerValue),
			Strategy:      StrategyServerWins,
			NeedsFollowUp: true,
		}, nil
	}
	merged, err := m.Resolver(ctx, record)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{MergedValue: merged, Strategy: StrategyManual}, nil
}

func cloneValue(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
