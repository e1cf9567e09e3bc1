// Package auth provides bearer-token authentication for coven-desk's agent
// and operator API.
//
// # Tokens
//
// Tokens are HS256 JWTs signed with server.jwt_secret. The "sub" claim names
// the principal and the "role" claim says what it may do:
//
//   - agent: may act only as the agent named by "sub" (status reports,
//     replies, transfers out of its own conversations, its websocket).
//   - operator: may act on any agent or conversation.
//
// Visitor routes are never authenticated here; visitors are identified by
// the channel they arrive on.
//
// # Usage
//
//	verifier := auth.NewJWTVerifier([]byte(secret))
//	router.Use(auth.Middleware(verifier))
//	...
//	if !auth.CanActAs(c, agentID) { ... }
//
// When no secret is configured the API runs without authentication.
package auth
