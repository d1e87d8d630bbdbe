package proxy

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ttstack/tt/internal/ttdef"
)

// SimpleAggregator implements the "all slaves must agree" aggregation
// spec.md calls Simple: it fails the whole request if any addressed
// slave failed or didn't answer in time, concatenating every failure
// message with " ;; " so the client can see all of them at once. On
// full success it returns the last successful slave's Msg verbatim —
// every per-env opcode using Simple (stop_env, start_env, del_env,
// update_env_*) returns an opaque "Success!" string, so "last one wins"
// never actually discards information.
type SimpleAggregator struct {
	origUUID uint64

	mu      sync.Mutex
	fails   []string
	okMsg   []byte
	sawOK   bool
}

// NewSimpleAggregator builds a Simple aggregator that will reply with
// origUUID once finished.
func NewSimpleAggregator(origUUID uint64) *SimpleAggregator {
	return &SimpleAggregator{origUUID: origUUID}
}

func (a *SimpleAggregator) Add(slaveAddr string, resp ttdef.Response) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if resp.Status == ttdef.StatusSuccess {
		a.sawOK = true
		a.okMsg = resp.Msg
		return
	}
	a.fails = append(a.fails, fmt.Sprintf("%s: %s", slaveAddr, resp.Error))
}

func (a *SimpleAggregator) Finish(timedOut bool) ttdef.Response {
	a.mu.Lock()
	defer a.mu.Unlock()
	if timedOut {
		return ttdef.Fail(a.origUUID, fmt.Errorf("%w", ttdef.ErrNotAllResponded))
	}
	if len(a.fails) > 0 {
		return ttdef.Fail(a.origUUID, fmt.Errorf("%s", strings.Join(a.fails, " ;; ")))
	}
	if !a.sawOK {
		return ttdef.Fail(a.origUUID, fmt.Errorf("%w", ttdef.ErrSlaveUnavailable))
	}
	return ttdef.Ok(a.origUUID, a.okMsg)
}

// MergeAggregator implements the best-effort union aggregation spec.md
// calls Merge: every slave's response body is a map keyed by that
// slave's own advertised address (the same map[string]RespX{ServAddr:
// ...} shape every get_* handler already returns), so merging is just a
// union of those top-level keys. It only fails if the union ends up
// empty — a slow or unreachable slave is absent from the result, not a
// request failure, matching get_env_info/get_server_info/get_env_list's
// "whatever answered in time" semantics.
type MergeAggregator struct {
	origUUID uint64

	mu     sync.Mutex
	merged map[string]json.RawMessage
}

// NewMergeAggregator builds a Merge aggregator that will reply with
// origUUID once finished.
func NewMergeAggregator(origUUID uint64) *MergeAggregator {
	return &MergeAggregator{origUUID: origUUID, merged: make(map[string]json.RawMessage)}
}

func (a *MergeAggregator) Add(slaveAddr string, resp ttdef.Response) {
	if resp.Status != ttdef.StatusSuccess {
		return
	}
	var byServAddr map[string]json.RawMessage
	if err := json.Unmarshal(resp.Msg, &byServAddr); err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range byServAddr {
		a.merged[k] = v
	}
}

func (a *MergeAggregator) Finish(timedOut bool) ttdef.Response {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.merged) == 0 {
		return ttdef.Fail(a.origUUID, fmt.Errorf("%w", ttdef.ErrSlaveUnavailable))
	}
	body, err := json.Marshal(a.merged)
	if err != nil {
		return ttdef.Fail(a.origUUID, err)
	}
	return ttdef.Ok(a.origUUID, body)
}
