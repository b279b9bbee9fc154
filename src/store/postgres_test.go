// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

// Two first enqueues for the same idempotency key can both find no row to
// lock; the partial unique index rejects the loser, and EnqueueRun must
// translate that into the duplicate-in-flight no-op rather than surface the
// driver error. This covers the classification the fallback relies on.
func TestIsUniqueViolation(t *testing.T) {
	uniq := &pq.Error{Code: "23505", Constraint: "uq_stage_runs_inflight"}
	if !isUniqueViolation(uniq) {
		t.Error("unique violation not recognized")
	}
	if !isUniqueViolation(fmt.Errorf("insert run: %w", uniq)) {
		t.Error("wrapped unique violation not recognized")
	}
	if isUniqueViolation(&pq.Error{Code: "40001"}) {
		t.Error("serialization failure misclassified as unique violation")
	}
	if isUniqueViolation(errors.New("connection reset")) {
		t.Error("plain error misclassified as unique violation")
	}
}
