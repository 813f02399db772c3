// Package artifact reads the on-disk artifacts produced by the nets engine:
// the commitment state file, per-(system, agent) trace files and fraud-proof
// envelopes. Every call re-reads from disk. Absent files surface as
// NOT_FOUND, unparsable or invalid content as MALFORMED.
package artifact
