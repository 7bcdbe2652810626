// Package stateres implements the Matrix state resolution v2 algorithm:
// partitioning conflicted state, computing the auth difference, ordering
// power events by their auth-chain dependencies, and sequentially
// re-authorizing every conflicted event against a working snapshot.
package stateres

import (
	"container/heap"
	"sort"

	"github.com/matrix-stateserver/stateserver/roomserver/authz"
	"github.com/matrix-stateserver/stateserver/roomserver/eventpkg"
	"github.com/matrix-stateserver/stateserver/roomserver/roomstate"
	"github.com/matrix-stateserver/stateserver/roomserver/types"
)

// SoftFailed records an event that was dropped during resolution because it
// failed re-authorization against the working snapshot.
type SoftFailed struct {
	EventID string
	Reason  error
}

var powerEventTypes = map[string]bool{
	"m.room.create":       true,
	"m.room.power_levels": true,
	"m.room.join_rules":   true,
}

func isPowerEvent(e *eventpkg.Event) bool {
	if powerEventTypes[e.Type()] {
		return true
	}
	if e.Type() == "m.room.member" {
		if mc, ok := e.AsMember(); ok {
			return mc.Membership == eventpkg.MembershipLeave || mc.Membership == eventpkg.MembershipBan
		}
	}
	return false
}

// Separate partitions a room's candidate state events (the union of every
// forward extremity's state) into the unconflicted entries (every branch
// agrees) and the conflicted ones (more than one event occupies the tuple).
func Separate(branches [][]*eventpkg.Event) (unconflicted, conflicted []*eventpkg.Event) {
	byTuple := map[types.StateKeyTuple]map[string]*eventpkg.Event{}
	for _, branch := range branches {
		for _, ev := range branch {
			if !ev.IsState() {
				continue
			}
			tuple := ev.StateKeyTuple()
			if byTuple[tuple] == nil {
				byTuple[tuple] = map[string]*eventpkg.Event{}
			}
			byTuple[tuple][ev.EventID()] = ev
		}
	}
	for _, byID := range byTuple {
		if len(byID) == 1 {
			for _, ev := range byID {
				unconflicted = append(unconflicted, ev)
			}
		} else {
			for _, ev := range byID {
				conflicted = append(conflicted, ev)
			}
		}
	}
	return unconflicted, conflicted
}

// AuthDifference returns, for a set of conflicted events, every event
// reachable from any one of their auth chains but not present in all of
// them: the set of auth events whose presence genuinely differs between
// branches and therefore must be re-authorized explicitly.
func AuthDifference(conflicted []*eventpkg.Event, authEventsByID map[string]*eventpkg.Event) []*eventpkg.Event {
	chains := make([]map[string]bool, 0, len(conflicted))
	for _, ev := range conflicted {
		chains = append(chains, authChain(ev, authEventsByID))
	}
	union := map[string]bool{}
	for _, c := range chains {
		for id := range c {
			union[id] = true
		}
	}
	var diff []*eventpkg.Event
	for id := range union {
		inAll := true
		for _, c := range chains {
			if !c[id] {
				inAll = false
				break
			}
		}
		if !inAll {
			if ev, ok := authEventsByID[id]; ok {
				diff = append(diff, ev)
			}
		}
	}
	return diff
}

func authChain(event *eventpkg.Event, byID map[string]*eventpkg.Event) map[string]bool {
	visited := map[string]bool{}
	var walk func(id string)
	walk = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		ev, ok := byID[id]
		if !ok {
			return
		}
		for _, parent := range ev.AuthEvents() {
			walk(parent)
		}
	}
	for _, parent := range event.AuthEvents() {
		walk(parent)
	}
	return visited
}

// kahnItem and kahnHeap implement the heap of events that are eligible for
// reverse topological ordering (their in-degree has reached zero), ordered
// by the Kahn tie-break: power level descending, origin_ts ascending,
// event_id ascending.
type kahnItem struct {
	event      *eventpkg.Event
	inDegree   int
	powerLevel int64
}

type kahnHeap []*kahnItem

func (h kahnHeap) Len() int { return len(h) }
func (h kahnHeap) Less(i, j int) bool {
	if h[i].powerLevel != h[j].powerLevel {
		return h[i].powerLevel > h[j].powerLevel
	}
	if h[i].event.OriginServerTS() != h[j].event.OriginServerTS() {
		return h[i].event.OriginServerTS() < h[j].event.OriginServerTS()
	}
	return h[i].event.EventID() < h[j].event.EventID()
}
func (h kahnHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *kahnHeap) Push(x interface{}) { *h = append(*h, x.(*kahnItem)) }
func (h *kahnHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// powerLevelFromAuthEvents derives the sender's effective power level using
// only the power_levels event present among an event's own auth_events
// (falling back to the creator-is-all-powerful default), matching the tie
// break the reference algorithm uses while sorting power events.
func powerLevelFromAuthEvents(event *eventpkg.Event, byID map[string]*eventpkg.Event) int64 {
	for _, id := range event.AuthEvents() {
		ev, ok := byID[id]
		if !ok {
			continue
		}
		if ev.Type() == "m.room.power_levels" {
			if pl, ok := ev.AsPowerLevels(); ok {
				return pl.UserLevel(event.Sender())
			}
		}
	}
	for _, id := range event.AuthEvents() {
		ev, ok := byID[id]
		if !ok {
			continue
		}
		if ev.Type() == "m.room.create" {
			if c, ok := ev.AsCreate(); ok && c.Creator == event.Sender() {
				return 100
			}
		}
	}
	return 0
}

// ReverseTopologicalPowerOrdering orders the power events (create,
// power_levels, join_rules, and ban/leave membership events) among the
// conflicted and auth-difference sets using Kahn's algorithm over their
// auth_events dependency graph, breaking ties by power level (descending),
// origin_ts (ascending) and event id (ascending).
func ReverseTopologicalPowerOrdering(events []*eventpkg.Event, byID map[string]*eventpkg.Event) []*eventpkg.Event {
	var power []*eventpkg.Event
	inSet := map[string]bool{}
	for _, ev := range events {
		if isPowerEvent(ev) {
			power = append(power, ev)
			inSet[ev.EventID()] = true
		}
	}

	inDegree := map[string]int{}
	children := map[string][]string{}
	for _, ev := range power {
		inDegree[ev.EventID()] = 0
	}
	for _, ev := range power {
		for _, parentID := range ev.AuthEvents() {
			if inSet[parentID] {
				inDegree[ev.EventID()]++
				children[parentID] = append(children[parentID], ev.EventID())
			}
		}
	}

	h := &kahnHeap{}
	heap.Init(h)
	byEventID := map[string]*eventpkg.Event{}
	for _, ev := range power {
		byEventID[ev.EventID()] = ev
		if inDegree[ev.EventID()] == 0 {
			heap.Push(h, &kahnItem{event: ev, inDegree: 0, powerLevel: powerLevelFromAuthEvents(ev, byID)})
		}
	}

	var ordered []*eventpkg.Event
	for h.Len() > 0 {
		item := heap.Pop(h).(*kahnItem)
		ordered = append(ordered, item.event)
		for _, childID := range children[item.event.EventID()] {
			inDegree[childID]--
			if inDegree[childID] == 0 {
				heap.Push(h, &kahnItem{event: byEventID[childID], powerLevel: powerLevelFromAuthEvents(byEventID[childID], byID)})
			}
		}
	}
	return ordered
}

// mainline walks a power_levels event's auth chain of prior power_levels
// events back to the room's creation, returning them oldest-first.
func mainline(latestPowerLevels *eventpkg.Event, byID map[string]*eventpkg.Event) []*eventpkg.Event {
	var chain []*eventpkg.Event
	current := latestPowerLevels
	visited := map[string]bool{}
	for current != nil && !visited[current.EventID()] {
		visited[current.EventID()] = true
		chain = append(chain, current)
		var next *eventpkg.Event
		for _, id := range current.AuthEvents() {
			if ev, ok := byID[id]; ok && ev.Type() == "m.room.power_levels" {
				next = ev
				break
			}
		}
		current = next
	}
	// reverse to oldest-first
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// mainlinePosition returns the index in the mainline of the nearest power
// event reachable by walking event's own power_levels ancestry, used as the
// primary sort key for mainline ordering.
func mainlinePosition(event *eventpkg.Event, mainlineByID map[string]int, byID map[string]*eventpkg.Event) int {
	current := event
	visited := map[string]bool{}
	for current != nil && !visited[current.EventID()] {
		if pos, ok := mainlineByID[current.EventID()]; ok {
			return pos
		}
		visited[current.EventID()] = true
		var next *eventpkg.Event
		for _, id := range current.AuthEvents() {
			if ev, ok := byID[id]; ok && ev.Type() == "m.room.power_levels" {
				next = ev
				break
			}
		}
		current = next
	}
	return -1
}

// MainlineOrdering sorts the remaining (non-power) conflicted events by
// their position in the power-level mainline, then by origin_ts, then by
// event id.
func MainlineOrdering(events []*eventpkg.Event, resolvedPowerLevels *eventpkg.Event, byID map[string]*eventpkg.Event) []*eventpkg.Event {
	ml := mainline(resolvedPowerLevels, byID)
	positions := make(map[string]int, len(ml))
	for i, ev := range ml {
		positions[ev.EventID()] = i
	}
	sorted := append([]*eventpkg.Event(nil), events...)
	sort.Slice(sorted, func(i, j int) bool {
		pi := mainlinePosition(sorted[i], positions, byID)
		pj := mainlinePosition(sorted[j], positions, byID)
		if pi != pj {
			return pi > pj
		}
		if sorted[i].OriginServerTS() != sorted[j].OriginServerTS() {
			return sorted[i].OriginServerTS() < sorted[j].OriginServerTS()
		}
		return sorted[i].EventID() < sorted[j].EventID()
	})
	return sorted
}

// Resolve runs the full state resolution v2 algorithm: it computes the
// conflicted/unconflicted partition across branches, re-authorizes the
// power events in reverse topological order, then the remaining conflicted
// events in mainline order, against an accumulating working snapshot seeded
// with the unconflicted state. Events failing re-authorization are dropped
// and reported as soft-failed rather than aborting resolution.
func Resolve(branches [][]*eventpkg.Event, authEventsByID map[string]*eventpkg.Event) (roomstate.RoomState, []SoftFailed) {
	unconflicted, conflicted := Separate(branches)
	diff := AuthDifference(conflicted, authEventsByID)

	fullSet := append(append([]*eventpkg.Event(nil), conflicted...), diff...)
	byID := make(map[string]*eventpkg.Event, len(authEventsByID)+len(fullSet)+len(unconflicted))
	for id, ev := range authEventsByID {
		byID[id] = ev
	}
	for _, ev := range fullSet {
		byID[ev.EventID()] = ev
	}
	for _, ev := range unconflicted {
		byID[ev.EventID()] = ev
	}

	working := roomstate.Empty().Apply(unconflicted...)
	var softFailed []SoftFailed

	powerOrdered := ReverseTopologicalPowerOrdering(fullSet, byID)
	for _, ev := range powerOrdered {
		if err := authz.Allowed(ev, working); err != nil {
			softFailed = append(softFailed, SoftFailed{EventID: ev.EventID(), Reason: err})
			continue
		}
		working = working.Apply(ev)
	}

	var resolvedPL *eventpkg.Event
	if ev, ok := working.PowerLevelsEvent(); ok {
		resolvedPL = ev
	}

	inPowerSet := map[string]bool{}
	for _, ev := range powerOrdered {
		inPowerSet[ev.EventID()] = true
	}
	var remaining []*eventpkg.Event
	for _, ev := range fullSet {
		if !inPowerSet[ev.EventID()] {
			remaining = append(remaining, ev)
		}
	}

	if resolvedPL != nil {
		remaining = MainlineOrdering(remaining, resolvedPL, byID)
	}
	for _, ev := range remaining {
		if err := authz.Allowed(ev, working); err != nil {
			softFailed = append(softFailed, SoftFailed{EventID: ev.EventID(), Reason: err})
			continue
		}
		working = working.Apply(ev)
	}

	return working, softFailed
}
