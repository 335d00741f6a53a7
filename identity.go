package janus

import (
	"github.com/oklog/ulid/v2"
)

// ID prefixes make job and batch identifiers recognizable in logs and
// event payloads. ULIDs keep them sortable by creation time, which the
// operator console relies on for stable job ordering.

// NewJobID returns a fresh job identifier ("job_<ulid>").
func NewJobID() string {
	return "job_" + ulid.Make().String()
}

// NewBatchID returns a fresh batch identifier ("batch_<ulid>").
func NewBatchID() string {
	return "batch_" + ulid.Make().String()
}
