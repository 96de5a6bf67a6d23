// Package rebalance implements the pluggable, data-center-aware assignment
// algorithm spec.md §4.3 describes: given the current member set and the
// current per-partition assignment, compute a new assignment that (1)
// compensates every partition up or down to its required size and (2)
// balances load across the whole member set, preferring data-center
// diversity and breaking remaining ties on address string so the result is
// a pure, deterministic function of its inputs.
package rebalance

import (
	"sort"

	"github.com/cuemby/partkeeper/pkg/address"
	"github.com/cuemby/partkeeper/pkg/partitionkey"
)

// MemberAge pairs a member address with the timestamp its ephemeral
// membership node was created at, the raw material orderByAge sorts on.
type MemberAge struct {
	Addr      address.Address
	CreatedAt int64 // unix nanos; opaque beyond ordering
}

// OrderByAge is the pure function spec.md's invariant 3 names: given a
// partition key and the set of members currently assigned to it (each with
// its membership age), it returns them ordered oldest-first. The oldest
// member is the partition's primary; the rest are replicas in join order.
// Ties (identical CreatedAt, which a fake clock in tests can produce) break
// on address string so the result never depends on map iteration order.
func OrderByAge(key partitionkey.Key, members []MemberAge) []address.Address {
	_ = key // key does not affect ordering today; kept for signature stability
	sorted := make([]MemberAge, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt != sorted[j].CreatedAt {
			return sorted[i].CreatedAt < sorted[j].CreatedAt
		}
		return sorted[i].Addr.String() < sorted[j].Addr.String()
	})
	out := make([]address.Address, len(sorted))
	for i, m := range sorted {
		out[i] = m.Addr
	}
	return out
}

// PartitionState is one partition's required size and its current,
// oldest-first assignment.
type PartitionState struct {
	Required int
	Current  []address.Address
}

// Plan is the input to Compute: the candidate member set (already filtered
// for spareLeader exclusion by the caller, per spec.md §6's
// "spareLeader" config field) and every partition's current state.
type Plan struct {
	Members    []address.Address
	Resolve    address.Resolver
	Partitions map[partitionkey.Key]PartitionState
}

// Compute runs the two-phase algorithm and returns the new assignment,
// oldest-first, for every partition in plan.Partitions. Compute is a pure
// function of its input: calling it twice with the same plan (including
// the same Current assignments) returns the same result, which is what
// makes rebalancing idempotent — plans only change once membership or a
// required size actually changes.
func Compute(plan Plan) map[partitionkey.Key][]address.Address {
	members := dedupeAndSort(plan.Members)
	memberSet := make(map[address.Address]bool, len(members))
	for _, m := range members {
		memberSet[m] = true
	}

	keys := sortedKeys(plan.Partitions)
	result := make(map[partitionkey.Key][]address.Address, len(keys))
	load := make(map[address.Address]int, len(members))

	// Phase 1: compensate. Drop assignees no longer in the member set, then
	// grow or shrink each partition independently to its required size.
	for _, key := range keys {
		state := plan.Partitions[key]
		current := filterMembers(state.Current, memberSet)
		assigned := compensate(current, state.Required, members, load, plan.Resolve)
		result[key] = assigned
		for _, a := range assigned {
			load[a]++
		}
	}

	// Phase 2: rebalance across the whole plan. Move single partitions from
	// the most loaded member to the least loaded one, in deterministic
	// (key, then candidate) order, until no move reduces the spread without
	// violating data-center diversity or required size.
	rebalanceAcrossPlan(result, plan.Partitions, members, load, plan.Resolve)

	return result
}

func compensate(current []address.Address, required int, members []address.Address, load map[address.Address]int, resolve address.Resolver) []address.Address {
	if resolve == nil {
		resolve = address.NoopResolver
	}
	assigned := append([]address.Address(nil), current...)
	if len(assigned) > required {
		return assigned[:required]
	}
	if len(assigned) == required {
		return assigned
	}

	dcsUsed := make(map[string]bool)
	for _, a := range assigned {
		dcsUsed[resolve(a)] = true
	}
	already := make(map[address.Address]bool, len(assigned))
	for _, a := range assigned {
		already[a] = true
	}

	for len(assigned) < required {
		next, ok := pickCandidate(members, already, dcsUsed, load, resolve)
		if !ok {
			break // fewer candidates than required; §7 honors min(required, candidates)
		}
		assigned = append(assigned, next)
		already[next] = true
		dcsUsed[resolve(next)] = true
	}
	return assigned
}

// pickCandidate prefers a member whose data center isn't yet represented in
// the partition, then the least globally loaded member, then the
// alphabetically smallest address — spec.md §4.3's "data-center diversity
// first, then deterministic tie-break on address string".
func pickCandidate(members []address.Address, already map[address.Address]bool, dcsUsed map[string]bool, load map[address.Address]int, resolve address.Resolver) (address.Address, bool) {
	var best address.Address
	bestSet := false
	bestNewDC := false
	bestLoad := 0

	for _, m := range members {
		if already[m] {
			continue
		}
		newDC := !dcsUsed[resolve(m)]
		l := load[m]
		switch {
		case !bestSet:
			best, bestSet, bestNewDC, bestLoad = m, true, newDC, l
		case newDC && !bestNewDC:
			best, bestNewDC, bestLoad = m, newDC, l
		case newDC == bestNewDC && l < bestLoad:
			best, bestLoad = m, l
		case newDC == bestNewDC && l == bestLoad && m.String() < best.String():
			best = m
		}
	}
	return best, bestSet
}

// rebalanceAcrossPlan nudges load toward ceil/floor(totalAssignments/len(members))
// per member. It only moves a partition's replica slot (never its primary,
// index 0, which orderByAge already fixed by age) from an overloaded member
// to an underloaded one, and only when the swap doesn't duplicate a member
// already assigned to that partition or strictly reduce data-center
// diversity for it.
func rebalanceAcrossPlan(result map[partitionkey.Key][]address.Address, partitions map[partitionkey.Key]PartitionState, members []address.Address, load map[address.Address]int, resolve address.Resolver) {
	if resolve == nil {
		resolve = address.NoopResolver
	}
	if len(members) == 0 {
		return
	}
	keys := sortedKeys(partitions)

	for pass := 0; pass < len(members); pass++ {
		moved := false
		for _, key := range keys {
			assigned := result[key]
			for i := 1; i < len(assigned); i++ { // never move the primary
				from := assigned[i]
				to := leastLoadedAlternative(members, assigned, load, from, resolve)
				if to.IsZero() || load[from]-load[to] < 2 {
					continue
				}
				assigned[i] = to
				load[from]--
				load[to]++
				moved = true
			}
			result[key] = assigned
		}
		if !moved {
			break
		}
	}
}

func leastLoadedAlternative(members []address.Address, assigned []address.Address, load map[address.Address]int, from address.Address, resolve address.Resolver) address.Address {
	inUse := make(map[address.Address]bool, len(assigned))
	dcsUsed := make(map[string]bool, len(assigned))
	for _, a := range assigned {
		inUse[a] = true
		if a != from {
			dcsUsed[resolve(a)] = true
		}
	}

	var best address.Address
	bestSet := false
	bestLoad := 0
	for _, m := range members {
		if m == from || inUse[m] {
			continue
		}
		if dcsUsed[resolve(m)] && !dcsUsed[resolve(from)] {
			// moving here would trade a diverse DC for a duplicate one
			continue
		}
		l := load[m]
		switch {
		case !bestSet:
			best, bestSet, bestLoad = m, true, l
		case l < bestLoad:
			best, bestLoad = m, l
		case l == bestLoad && m.String() < best.String():
			best = m
		}
	}
	return best
}

func filterMembers(addrs []address.Address, memberSet map[address.Address]bool) []address.Address {
	out := addrs[:0:0]
	for _, a := range addrs {
		if memberSet[a] {
			out = append(out, a)
		}
	}
	return out
}

func dedupeAndSort(members []address.Address) []address.Address {
	seen := make(map[address.Address]bool, len(members))
	out := make([]address.Address, 0, len(members))
	for _, m := range members {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func sortedKeys(m map[partitionkey.Key]PartitionState) []partitionkey.Key {
	keys := make([]partitionkey.Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
