// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package controller

import "fmt"

// PlacementError reports that no eligible worker satisfies a placement
// constraint.
type PlacementError struct {
	Reason string
}

func (e *PlacementError) Error() string { return "controller: placement: " + e.Reason }

// ElectionEligible reports whether a worker tagged with region may host
// the controller: "when a primary region is configured, a
// controller may be elected only on a worker in that region." An empty
// primaryRegion means no constraint.
func ElectionEligible(workerRegion, primaryRegion string) bool {
	return primaryRegion == "" || workerRegion == primaryRegion
}

// PlaceReaders chooses replicaCount distinct workers from candidates to
// host a replicated reader: "readers with replica-count R are
// placed on R distinct workers, preferring different volume ids." It
// greedily picks one worker per distinct volume id first, then fills
// any remaining slots from workers whose volume id repeats, still
// never repeating a worker.
func PlaceReaders(candidates map[string]WorkerInfo, replicaCount int) ([]string, error) {
	if replicaCount <= 0 {
		return nil, nil
	}
	if len(candidates) < replicaCount {
		return nil, &PlacementError{Reason: fmt.Sprintf("need %d distinct workers, only %d healthy", replicaCount, len(candidates))}
	}

	byVolume := make(map[string][]string)
	for addr, info := range candidates {
		byVolume[info.VolumeID] = append(byVolume[info.VolumeID], addr)
	}

	var chosen []string
	used := make(map[string]bool)

	// First pass: one worker per distinct volume id.
	for _, addrs := range byVolume {
		if len(chosen) >= replicaCount {
			break
		}
		chosen = append(chosen, addrs[0])
		used[addrs[0]] = true
	}

	// Second pass: fill remaining slots from whatever's left,
	// deterministic iteration order isn't guaranteed by map range, but
	// correctness (distinct workers, replicaCount total) doesn't depend
	// on which ones are picked among equally-eligible candidates.
	if len(chosen) < replicaCount {
		for addr := range candidates {
			if len(chosen) >= replicaCount {
				break
			}
			if !used[addr] {
				chosen = append(chosen, addr)
				used[addr] = true
			}
		}
	}

	return chosen[:replicaCount], nil
}
