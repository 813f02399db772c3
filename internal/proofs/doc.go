// Package proofs implements the commitment primitives used to audit agent
// executions: step leaf hashing, Merkle roots over ordered step leaves, and
// inclusion proof construction and verification. Everything here is pure and
// free of I/O so it can be shared by the artifact store, the verifier and tests.
package proofs
