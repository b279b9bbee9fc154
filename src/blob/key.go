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

package blob

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Domain partitions storage keys by pipeline phase so retention and backup
// policy can differ per phase. Intermediate work products are pruned far
// sooner than final deliverables.
type Domain string

const (
	DomainRaw   Domain = "raw"   // ingested inputs
	DomainWork  Domain = "work"  // intermediate work products
	DomainSub   Domain = "sub"   // subtitle outputs
	DomainFinal Domain = "final" // deliverables
	DomainMeta  Domain = "meta"  // task metadata
	DomainLogs  Domain = "logs"  // stage logs
)

// Key builds `{domain}/{task_id}/{file}`. Task id namespacing prevents
// cross-task collisions between stages producing same-named files.
func Key(d Domain, taskID uuid.UUID, file string) string {
	return fmt.Sprintf("%s/%s/%s", d, taskID, file)
}

// GenerationName splices a fresh 8-hex generation tag into a filename, e.g.
// audio.wav -> audio_3f9c01ab.wav. A new artifact never overwrites an
// existing key, so stale reads are impossible even mid-write.
func GenerationName(file string) string {
	gen := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	if i := strings.LastIndex(file, "."); i > 0 {
		return file[:i] + "_" + gen + file[i:]
	}
	return file + "_" + gen
}
