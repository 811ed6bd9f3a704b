// Package transform defines the pluggable processing step applied to every
// message, the error taxonomy processors use to say whether a failure is
// worth retrying, and the ways a processor can be provided: compiled in
// (builtins) or out of process over gRPC.
package transform
