// Package store keeps a queryable SQLite history of routing activity.
//
// # Architecture
//
// The routing state itself lives in the shared state backend used by the
// registry and the conversation store. This package is downstream of it:
// it receives copies of committed conversation states, agent status
// changes, transfer outcomes and dropped deliveries, and writes them to
// SQLite for operators and reporting tools. Routing never reads from here.
//
// SQLiteStore owns the database. Recorder wraps it with an asynchronous,
// per-conversation ordered write queue so the routing path never waits on
// disk I/O.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//
// # Errors
//
//   - ErrNotFound: requested record does not exist
package store
