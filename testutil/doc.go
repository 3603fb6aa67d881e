// Package testutil holds deterministic fakes for transport tests: a manual
// clock, in-memory socket connections and state and message recorders.
package testutil
