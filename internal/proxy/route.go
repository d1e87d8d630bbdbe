package proxy

import (
	"encoding/json"
	"fmt"

	"github.com/ttstack/tt/internal/dispatch"
	"github.com/ttstack/tt/internal/logging"
	"github.com/ttstack/tt/internal/ttdef"
)

// Router turns one decoded client request into the right slave fan-out:
// add_env gets placed across the pool, per-env opcodes route only to
// the slaves already hosting that env, and the remaining global queries
// go to every configured slave. It never touches a client socket
// directly — Handle's respond callback is how the caller (cmd/ttproxy's
// client-facing read loop) writes the eventual reply back.
type Router struct {
	Registry *Registry
	Forward  *Forwarder
	Table    *InflightTable
}

// envIdPeek decodes just enough of a per-env request to find its
// routing key without committing to that opcode's full struct shape.
type envIdPeek struct {
	EnvId ttdef.EnvId `json:"env_id"`
}

// Handle dispatches one client request. now is a second-granularity
// clock value used for inflight bucketing (env.Now() in production).
func (r *Router) Handle(now int, op ttdef.Opcode, cliID string, uuid uint64, msg []byte, respond func(ttdef.Response)) {
	switch op {
	case ttdef.OpRegisterClient:
		// The proxy itself tracks no per-client state; register_client_id
		// always succeeds and is never forwarded, matching the original's
		// no-op handling (only slaves need a real client registry).
		body, _ := json.Marshal("Success!")
		respond(ttdef.Ok(uuid, body))

	case ttdef.OpGetServerInfo, ttdef.OpGetEnvList, ttdef.OpGetEnvListAll:
		r.fanOutAll(now, op, cliID, uuid, msg, respond)

	case ttdef.OpGetEnvInfo:
		r.handleGetEnvInfo(now, cliID, uuid, msg, respond)

	case ttdef.OpAddEnv:
		r.handleAddEnv(now, cliID, uuid, msg, respond)

	case ttdef.OpDelEnv:
		r.handleDelEnv(now, cliID, uuid, msg, respond)

	case ttdef.OpStopEnv, ttdef.OpStartEnv, ttdef.OpUpdateEnvLifetime, ttdef.OpUpdateEnvKickVm, ttdef.OpUpdateEnvResource:
		r.fanOutToEnv(now, op, cliID, uuid, msg, respond)

	default:
		respond(ttdef.Fail(uuid, fmt.Errorf("%w: opcode %d", ttdef.ErrBadVmKind, op)))
	}
}

func (r *Router) fanOutAll(now int, op ttdef.Opcode, cliID string, uuid uint64, msg []byte, respond func(ttdef.Response)) {
	addrs := r.Registry.configured
	if len(addrs) == 0 {
		respond(ttdef.Fail(uuid, ttdef.ErrSlaveUnavailable))
		return
	}
	agg := NewMergeAggregator(uuid)
	r.send(now, op, cliID, addrs, agg, respond, msg)
}

func (r *Router) handleGetEnvInfo(now int, cliID string, uuid uint64, msg []byte, respond func(ttdef.Response)) {
	req, err := decodeMsg[dispatch.ReqGetEnvInfo](msg)
	if err != nil {
		respond(ttdef.Fail(uuid, err))
		return
	}
	seen := make(map[string]struct{})
	var addrs []string
	for _, id := range req.EnvSet {
		for _, a := range r.Registry.AddrsForEnv(id) {
			if _, ok := seen[a]; !ok {
				seen[a] = struct{}{}
				addrs = append(addrs, a)
			}
		}
	}
	if len(addrs) == 0 {
		body, _ := json.Marshal(map[string]dispatch.RespGetEnvInfo{})
		respond(ttdef.Ok(uuid, body))
		return
	}
	agg := NewMergeAggregator(uuid)
	r.send(now, ttdef.OpGetEnvInfo, cliID, addrs, agg, respond, msg)
}

func (r *Router) handleAddEnv(now int, cliID string, uuid uint64, msg []byte, respond func(ttdef.Response)) {
	req, err := decodeMsg[dispatch.ReqAddEnv](msg)
	if err != nil {
		respond(ttdef.Fail(uuid, err))
		return
	}
	if addrs := r.Registry.AddrsForEnv(req.EnvId); len(addrs) > 0 {
		respond(ttdef.Fail(uuid, ttdef.ErrEnvExists))
		return
	}

	plan, err := Place(req, r.Registry.Slaves())
	if err != nil {
		respond(ttdef.Fail(uuid, err))
		return
	}

	r.Registry.RecordPlacement(req.EnvId, plan.SlaveAddrs)

	agg := NewSimpleAggregator(uuid)
	proxyUUID := r.Table.Register(now, len(plan.SlaveAddrs), agg, respond)
	for _, addr := range plan.SlaveAddrs {
		tailored, err := json.Marshal(plan.PerSlave[addr])
		if err != nil {
			logging.Op().Error("proxy: marshal tailored add_env failed", "slave", addr, "error", err)
			continue
		}
		if err := r.Forward.Send(addr, ttdef.OpAddEnv, proxyUUID, cliID, tailored); err != nil {
			logging.Op().Warn("proxy: forward add_env failed", "slave", addr, "error", err)
		}
	}
}

func (r *Router) handleDelEnv(now int, cliID string, uuid uint64, msg []byte, respond func(ttdef.Response)) {
	req, err := decodeMsg[dispatch.ReqDelEnv](msg)
	if err != nil {
		respond(ttdef.Fail(uuid, err))
		return
	}
	addrs := r.Registry.AddrsForEnv(req.EnvId)
	if len(addrs) == 0 {
		body, _ := json.Marshal("Success!")
		respond(ttdef.Ok(uuid, body))
		return
	}
	// Drop the routing entry before fanning out, matching the original:
	// a late follow-up for this env should find it gone immediately
	// rather than racing the slaves' own deletion.
	r.Registry.ForgetEnv(req.EnvId)

	agg := NewSimpleAggregator(uuid)
	r.send(now, ttdef.OpDelEnv, cliID, addrs, agg, respond, msg)
}

func (r *Router) fanOutToEnv(now int, op ttdef.Opcode, cliID string, uuid uint64, msg []byte, respond func(ttdef.Response)) {
	peek, err := decodeMsg[envIdPeek](msg)
	if err != nil {
		respond(ttdef.Fail(uuid, err))
		return
	}
	addrs := r.Registry.AddrsForEnv(peek.EnvId)
	if len(addrs) == 0 {
		respond(ttdef.Fail(uuid, ttdef.ErrEnvNotFound))
		return
	}
	agg := NewSimpleAggregator(uuid)
	r.send(now, op, cliID, addrs, agg, respond, msg)
}

// send registers agg against len(addrs) replies and fires op at every
// address, with payload (if given) as the message body. handleAddEnv
// does not use send: it forwards its own per-slave bodies.
func (r *Router) send(now int, op ttdef.Opcode, cliID string, addrs []string, agg Aggregator, respond func(ttdef.Response), payload ...[]byte) {
	var body []byte
	if len(payload) > 0 {
		body = payload[0]
	}
	proxyUUID := r.Table.Register(now, len(addrs), agg, respond)
	for _, addr := range addrs {
		if err := r.Forward.Send(addr, op, proxyUUID, cliID, body); err != nil {
			logging.Op().Warn("proxy: forward failed", "opcode", op.String(), "slave", addr, "error", err)
		}
	}
}

func decodeMsg[T any](msg []byte) (T, error) {
	var v T
	if len(msg) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(msg, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ttdef.ErrBadVmKind, err)
	}
	return v, nil
}
