// Package reload stages, verifies and atomically activates compiled
// configuration generations against the external proxy engine, with
// rollback to the retained last known good generation.
package reload

import (
	"time"

	"github.com/ataiva-software/kontainers-sub000/internal/compiler"
)

// State is a generation's position in the reload pipeline.
type State string

// Generation lifecycle states. FAILED is absorbing; a superseded
// generation finishes its current step and lands in FAILED with a
// superseded error.
const (
	StateStaged State = "STAGED"
	StateTested State = "TESTED"
	StateActive State = "ACTIVE"
	StateFailed State = "FAILED"
)

// Generation is one versioned configuration generation moving through
// the pipeline. Owned exclusively by the Coordinator; copies handed
// out by Active are snapshots.
type Generation struct {
	Version     uint64
	State       State
	Artifact    *compiler.Artifact
	StagedAt    time.Time
	ActivatedAt time.Time
	Err         error
}

// Result records the outcome of one submission for inspection and the
// audit ring.
type Result struct {
	Version    uint64
	State      State
	Checksum   string
	RuleCount  int
	Err        error
	Duration   time.Duration
	FinishedAt time.Time
}
