// Package dedupe remembers recently seen inbound message keys so a message
// redelivered by a transport is routed once.
package dedupe
