// Package api exposes the observer's read-only HTTP surface: state, history,
// traces, fraud proofs, verification reports, and the server-sent event
// stream of artifact changes.
package api
