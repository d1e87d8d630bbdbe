// Package proxy implements the optional fan-out tier that sits in front
// of a pool of TT hosts ("slaves" on the wire, matching the field names
// every opcode already uses): it speaks the same framed UDP protocol to
// clients, re-derives the right set of slaves to ask from a polled
// cache, and aggregates their replies back into one Response. Host-side
// dispatch needs no changes to support it: add_env already accepts a
// pre-resolved VmCfg list (see dispatch.resolveVmSet), which is exactly
// what the placement pass in this package produces.
package proxy

import (
	"sync"

	"github.com/ttstack/tt/internal/ttdef"
)

// TimeoutSecs bounds how long an in-flight request waits for every
// addressed slave to answer before the aggregator is forced to finish
// with whatever arrived. Matches the original proxy's fixed window.
const TimeoutSecs = 5

// Aggregator combines per-slave Responses for one original client
// request into the single Response the proxy sends back. Add is called
// once per slave reply that arrives in time; Finish is called exactly
// once, either because every addressed slave replied (timedOut=false)
// or because the TimeoutSecs window elapsed first (timedOut=true).
type Aggregator interface {
	Add(slaveAddr string, resp ttdef.Response)
	Finish(timedOut bool) ttdef.Response
}

// entry tracks one client request while its slave replies are still
// outstanding. Go has no destructor to mirror the original's Drop-fires-
// the-reply design, so finishing is an explicit call instead: either
// InflightTable.Deliver (last reply arrives) or InflightTable.Sweep
// (timeout) calls it exactly once per entry.
type entry struct {
	numToWait int
	received  int
	startTS   uint64
	respond   func(ttdef.Response)
	agg       Aggregator
}

// InflightTable is the proxy's request-tracking table: every client
// request that fans out to N slaves gets one entry here, bucketed by
// start_ts % TimeoutSecs exactly like the original's sync::Mutex<Proxy>
// buckets, so a once-a-second sweep only ever has to look at one bucket
// to find everything that just expired.
type InflightTable struct {
	mu       sync.Mutex
	idx      map[uint64]*entry
	buckets  [TimeoutSecs]map[uint64]struct{}
	nextUUID uint64
}

// NewInflightTable returns an empty table. nextUUID starts at 10000,
// matching the original's gen_proxy_uuid starting past the low ids a
// hand-written test client might pick for its own uuids.
func NewInflightTable() *InflightTable {
	t := &InflightTable{idx: make(map[uint64]*entry), nextUUID: 10000}
	for i := range t.buckets {
		t.buckets[i] = make(map[uint64]struct{})
	}
	return t
}

// Register begins tracking a request that expects numToWait slave
// replies, returning the proxy-generated uuid to stamp onto each
// forwarded per-slave request so replies can be matched back here.
// respond is called exactly once, with the aggregator's final Response,
// when the request completes or times out.
func (t *InflightTable) Register(now, numToWait int, agg Aggregator, respond func(ttdef.Response)) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	uuid := t.nextUUID
	t.nextUUID++

	slot := uint64(now) % TimeoutSecs
	// Anything in this slot registered a full TimeoutSecs-or-more ago is
	// already overdue: clear it (forcing its own timeout finish) before
	// reusing the slot, so a collision can never silently drop a pending
	// request. Entries registered in this same second stay.
	t.clearSlot(slot, uint64(now))

	t.idx[uuid] = &entry{numToWait: numToWait, startTS: uint64(now), respond: respond, agg: agg}
	t.buckets[slot][uuid] = struct{}{}
	return uuid
}

// clearSlot force-finishes and removes every entry in bucket slot that
// was registered TimeoutSecs or more before now; younger entries stay.
// Callers must hold t.mu.
func (t *InflightTable) clearSlot(slot, now uint64) {
	for uuid := range t.buckets[slot] {
		e, ok := t.idx[uuid]
		if !ok {
			continue
		}
		if e.startTS+TimeoutSecs > now {
			continue
		}
		delete(t.idx, uuid)
		delete(t.buckets[slot], uuid)
		go e.respond(e.agg.Finish(true))
	}
}

// Deliver records one slave's reply against proxyUUID. It reports false
// if proxyUUID is unknown (already finished, or never registered, e.g.
// a duplicate/late UDP packet), which callers should simply discard.
func (t *InflightTable) Deliver(proxyUUID uint64, slaveAddr string, resp ttdef.Response) bool {
	t.mu.Lock()
	e, ok := t.idx[proxyUUID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	e.agg.Add(slaveAddr, resp)
	e.received++
	if e.received < e.numToWait {
		t.mu.Unlock()
		return true
	}
	delete(t.idx, proxyUUID)
	delete(t.buckets[e.startTS%TimeoutSecs], proxyUUID)
	t.mu.Unlock()

	e.respond(e.agg.Finish(false))
	return true
}

// Sweep forces a timeout finish on every entry that has sat in the
// slot for `now` long enough to be overdue. Call once per second from a
// ticker; now should be a monotonically increasing second counter (e.g.
// env.Now()).
func (t *InflightTable) Sweep(now int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearSlot(uint64(now)%TimeoutSecs, uint64(now))
}
