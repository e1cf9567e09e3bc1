// Package conversation owns the routing state of visitor conversations.
//
// # Overview
//
// A Conversation is created PENDING on the first inbound visitor message
// and then moves through
//
//	PENDING -> INSERVICE -> (TRANSFERRING -> INSERVICE)* -> END
//
// INSERVICE with an empty AgentID means the chatbot is serving the visitor,
// unless AwaitingAgent is set: then its agent left and nobody, chatbot
// included, could take over.
//
// # Store
//
// Store is the only writer of conversation state:
//
//	store := conversation.NewStore(backend, locker, mirror, logger)
//
// Key operations:
//
//   - GetOrCreate(ctx, nc): create-if-absent, safe under concurrent first touch
//   - Assign(ctx, id, agentID): set the serving agent, returns the previous one
//   - BeginTransfer / CompleteTransfer / CancelTransfer: the transfer window
//   - Unassign(ctx, id): detach a departed agent, leaving the conversation awaiting one
//   - IncrementCounters(ctx, id, turns, errors): chatbot counters
//   - IncrementCountersIf(ctx, id, turns, errors, check, committed): guarded counters
//   - End(ctx, id): idempotent close
//
// # Concurrency
//
// Every mutation takes a per-conversation lock from the state.Locker and
// performs read-modify-write against the state.Backend. With the Redis
// implementations the lock and the data are shared by every node.
//
// A visitor may hold at most one non-ended conversation per agent within an
// organization. Store enforces this with a pair index and ErrDuplicateActive.
//
// # Mirror
//
// An optional Mirror receives a copy of every committed state in commit
// order. The SQLite mirror in package store uses it; routing never reads
// the mirror back.
package conversation
