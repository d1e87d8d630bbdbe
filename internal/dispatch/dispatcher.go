package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ttstack/tt/internal/cfgdb"
	"github.com/ttstack/tt/internal/env"
	"github.com/ttstack/tt/internal/logging"
	"github.com/ttstack/tt/internal/ratelimit"
	"github.com/ttstack/tt/internal/serv"
	"github.com/ttstack/tt/internal/ttdef"
	"github.com/ttstack/tt/internal/vm"
)

// ImageResolver maps an OS template name to the runtime image path and
// hypervisor kind that serves it. Implementations live in
// internal/templatecatalog.
type ImageResolver interface {
	Resolve(os string) (imagePath string, kind ttdef.VmKind, ok bool)
	MatchPrefix(prefix string) map[string]string // os name -> image path
	SupportedList() []string
}

// Dispatcher routes decoded opcode requests to Serv operations,
// persisting the affected Env to CfgDB after every mutation that
// succeeds, matching the original's "handler calls SERV.*, send_ok on
// success" shape in server/src/hdr/mod.rs.
type Dispatcher struct {
	Serv      *serv.Serv
	CfgDB     *cfgdb.Store
	Images    ImageResolver
	ServAddr  string // host:port advertised in get_server_info
	ServIP    string // public IP substituted for a Vm's private address in get_env_info
	RateLimit *ratelimit.Limiter // nil disables admission control
	RateTier  string             // tier name passed to RateLimit; "" uses its default tier
}

// Dispatch decodes req against op's expected shape, runs the matching
// Serv operation, and returns the Response to frame back to the caller.
// cliID is the envelope's cli_id, already parsed by the transport layer
// (0 when the envelope carries none).
func (d *Dispatcher) Dispatch(ctx context.Context, op ttdef.Opcode, cliID ttdef.CliId, uuid uint64, msg []byte) ttdef.Response {
	handler, ok := handlers[op]
	if !ok {
		return ttdef.Fail(uuid, fmt.Errorf("%w: opcode %d", ttdef.ErrBadVmKind, op))
	}
	if d.RateLimit != nil && op != ttdef.OpRegisterClient {
		key := ratelimit.KeyForClient(strconv.FormatUint(uint64(cliID), 10))
		result, err := d.RateLimit.Allow(ctx, key, d.RateTier)
		if err != nil {
			logging.Op().Warn("dispatch: rate limit check failed, admitting request", "client", cliID, "error", err)
		} else if !result.Allowed {
			return ttdef.Fail(uuid, fmt.Errorf("%w: client %s", ttdef.ErrRateLimited, cliID))
		}
	}
	respMsg, err := handler(d, ctx, cliID, msg)
	if err != nil {
		logging.Op().Warn("dispatch: handler failed", "opcode", op.String(), "client", cliID, "error", err)
		return ttdef.Fail(uuid, err)
	}
	return ttdef.Ok(uuid, respMsg)
}

type handlerFunc func(d *Dispatcher, ctx context.Context, cli ttdef.CliId, msg []byte) ([]byte, error)

var handlers = map[ttdef.Opcode]handlerFunc{
	ttdef.OpRegisterClient:     handleRegisterClient,
	ttdef.OpGetServerInfo:      handleGetServerInfo,
	ttdef.OpGetEnvList:         handleGetEnvList,
	ttdef.OpGetEnvInfo:         handleGetEnvInfo,
	ttdef.OpAddEnv:             handleAddEnv,
	ttdef.OpDelEnv:             handleDelEnv,
	ttdef.OpUpdateEnvLifetime:  handleUpdateEnvLifetime,
	ttdef.OpUpdateEnvKickVm:    handleUpdateEnvKickVm,
	ttdef.OpGetEnvListAll:      handleGetEnvListAll,
	ttdef.OpStopEnv:            handleStopEnv,
	ttdef.OpStartEnv:           handleStartEnv,
	ttdef.OpUpdateEnvResource:  handleUpdateEnvResource,
}

func decode[T any](msg []byte) (T, error) {
	var v T
	if len(msg) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(msg, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ttdef.ErrBadVmKind, err)
	}
	return v, nil
}

func handleRegisterClient(d *Dispatcher, ctx context.Context, cli ttdef.CliId, msg []byte) ([]byte, error) {
	if err := d.Serv.AddClient(cli); err != nil {
		return nil, err
	}
	return json.Marshal("Success!")
}

func handleGetServerInfo(d *Dispatcher, ctx context.Context, cli ttdef.CliId, msg []byte) ([]byte, error) {
	rsc := d.Serv.GetResource()
	resp := RespGetServerInfo{
		VmTotal: rsc.VmActive.Total, CPUTotal: rsc.CPU.Total, CPUUsed: rsc.CPU.Used,
		MemTotal: rsc.Mem.Total, MemUsed: rsc.Mem.Used, DiskTotal: rsc.Disk.Total, DiskUsed: rsc.Disk.Used,
	}
	if d.Images != nil {
		resp.SupportedList = d.Images.SupportedList()
	}
	return json.Marshal(map[string]RespGetServerInfo{d.ServAddr: resp})
}

func handleGetEnvList(d *Dispatcher, ctx context.Context, cli ttdef.CliId, msg []byte) ([]byte, error) {
	list := RespGetEnvList(d.Serv.GetEnvMeta(cli))
	return json.Marshal(map[string]RespGetEnvList{d.ServAddr: list})
}

func handleGetEnvListAll(d *Dispatcher, ctx context.Context, cli ttdef.CliId, msg []byte) ([]byte, error) {
	list := RespGetEnvListAll(d.Serv.GetEnvMetaAll())
	return json.Marshal(map[string]RespGetEnvListAll{d.ServAddr: list})
}

func handleGetEnvInfo(d *Dispatcher, ctx context.Context, cli ttdef.CliId, msg []byte) ([]byte, error) {
	req, err := decode[ReqGetEnvInfo](msg)
	if err != nil {
		return nil, err
	}
	infos := d.Serv.GetEnvDetail(cli, req.EnvSet)
	// Replace each Vm's private guest address with the host's public
	// address: the client never has a route to the 10.10.x.x network,
	// only to the PubPorts NAT'd on this host.
	for i := range infos {
		for id, vmi := range infos[i].Vms {
			vmi.IP = d.ServIP
			infos[i].Vms[id] = vmi
		}
	}
	return json.Marshal(map[string]RespGetEnvInfo{d.ServAddr: RespGetEnvInfo(infos)})
}

func resolveVmSet(d *Dispatcher, req ReqAddEnv) ([]vm.Config, error) {
	if len(req.VmCfg) > 0 {
		cfgs := make([]vm.Config, 0, len(req.VmCfg))
		for _, spec := range req.VmCfg {
			imagePath, kind, ok := d.Images.Resolve(spec.OS)
			if !ok {
				return nil, fmt.Errorf("%w: %q", ttdef.ErrImageNotCached, spec.OS)
			}
			cfgs = append(cfgs, vm.Config{
				ImagePath: imagePath, Kind: kind, PortList: spec.PortList,
				CPU: spec.CPU, Mem: spec.Mem, Disk: spec.Disk, RandUUID: spec.RandUUID,
			})
		}
		return cfgs, nil
	}

	dupEach := 0
	if req.DupEach != nil {
		dupEach = *req.DupEach
	}
	if dupEach > ttdef.MaxDupEach {
		dupEach = ttdef.MaxDupEach
	}
	var cfgs []vm.Config
	for _, prefix := range req.OSPrefix {
		for os, imagePath := range d.Images.MatchPrefix(strings.ToLower(prefix)) {
			_, kind, ok := d.Images.Resolve(os)
			if !ok {
				continue
			}
			for i := 0; i < 1+dupEach; i++ {
				cfgs = append(cfgs, vm.Config{
					ImagePath: imagePath, Kind: kind, PortList: req.PortSet,
					CPU: req.CPU, Mem: req.Mem, Disk: req.Disk,
				})
			}
		}
	}
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("%w: no OS template matches the given prefix[es]", ttdef.ErrImageNotCached)
	}
	return cfgs, nil
}

func handleAddEnv(d *Dispatcher, ctx context.Context, cli ttdef.CliId, msg []byte) ([]byte, error) {
	req, err := decode[ReqAddEnv](msg)
	if err != nil {
		return nil, err
	}
	cfgs, err := resolveVmSet(d, req)
	if err != nil {
		return nil, err
	}

	e, err := d.Serv.NewEnvWithID(cli, req.EnvId, env.Now())
	if err != nil {
		return nil, err
	}
	lifeTime := env.DefaultLifeSeconds
	if req.LifeTime != nil {
		lifeTime = *req.LifeTime
	}
	if err := d.Serv.UpdateEnvLife(cli, e.Id(), lifeTime, false); err != nil {
		_ = d.Serv.DelEnv(ctx, cli, e.Id())
		return nil, err
	}
	if err := d.Serv.AddVmSet(ctx, cli, e.Id(), cfgs); err != nil {
		_ = d.Serv.DelEnv(ctx, cli, e.Id())
		return nil, err
	}
	if req.DenyOutgoing {
		if err := d.Serv.UpdateEnvHardware(ctx, cli, e.Id(), nil, nil, nil, nil, &req.DenyOutgoing); err != nil {
			_ = d.Serv.DelEnv(ctx, cli, e.Id())
			return nil, err
		}
	}

	d.persist(cli, e.Id())
	return json.Marshal("Success!")
}

func handleDelEnv(d *Dispatcher, ctx context.Context, cli ttdef.CliId, msg []byte) ([]byte, error) {
	req, err := decode[ReqDelEnv](msg)
	if err != nil {
		return nil, err
	}
	if err := d.Serv.DelEnv(ctx, cli, req.EnvId); err != nil {
		return nil, err
	}
	if d.CfgDB != nil {
		_ = d.CfgDB.Del(cli, req.EnvId)
	}
	return json.Marshal("Success!")
}

func handleStopEnv(d *Dispatcher, ctx context.Context, cli ttdef.CliId, msg []byte) ([]byte, error) {
	req, err := decode[ReqStopEnv](msg)
	if err != nil {
		return nil, err
	}
	if err := d.Serv.StopEnv(ctx, cli, req.EnvId, env.Now()); err != nil {
		return nil, err
	}
	d.persist(cli, req.EnvId)
	return json.Marshal("Success!")
}

func handleStartEnv(d *Dispatcher, ctx context.Context, cli ttdef.CliId, msg []byte) ([]byte, error) {
	req, err := decode[ReqStartEnv](msg)
	if err != nil {
		return nil, err
	}
	if err := d.Serv.StartEnv(ctx, cli, req.EnvId, env.Now()); err != nil {
		return nil, err
	}
	d.persist(cli, req.EnvId)
	return json.Marshal("Success!")
}

func handleUpdateEnvLifetime(d *Dispatcher, ctx context.Context, cli ttdef.CliId, msg []byte) ([]byte, error) {
	req, err := decode[ReqUpdateEnvLife](msg)
	if err != nil {
		return nil, err
	}
	if err := d.Serv.UpdateEnvLife(cli, req.EnvId, req.LifeTime, req.Privileged); err != nil {
		return nil, err
	}
	d.persist(cli, req.EnvId)
	return json.Marshal("Success!")
}

func handleUpdateEnvResource(d *Dispatcher, ctx context.Context, cli ttdef.CliId, msg []byte) ([]byte, error) {
	req, err := decode[ReqUpdateEnvResource](msg)
	if err != nil {
		return nil, err
	}
	if err := d.Serv.UpdateEnvHardware(ctx, cli, req.EnvId, req.CPU, req.Mem, req.Disk, req.VmPort, req.DenyOutgoing); err != nil {
		return nil, err
	}
	d.persist(cli, req.EnvId)
	return json.Marshal("Success!")
}

func handleUpdateEnvKickVm(d *Dispatcher, ctx context.Context, cli ttdef.CliId, msg []byte) ([]byte, error) {
	req, err := decode[ReqUpdateEnvKickVm](msg)
	if err != nil {
		return nil, err
	}
	infos := d.Serv.GetEnvDetail(cli, []ttdef.EnvId{req.EnvId})
	if len(infos) == 0 {
		return json.Marshal("Success!")
	}
	kick := make(map[ttdef.VmId]struct{}, len(req.VmId))
	for _, id := range req.VmId {
		kick[id] = struct{}{}
	}
	for id, vmi := range infos[0].Vms {
		for _, prefix := range req.OSPrefix {
			if strings.HasPrefix(strings.ToLower(vmi.OS), strings.ToLower(prefix)) {
				kick[id] = struct{}{}
			}
		}
	}
	ids := make([]ttdef.VmId, 0, len(kick))
	for id := range kick {
		ids = append(ids, id)
	}
	if err := d.Serv.DelVms(ctx, cli, req.EnvId, ids); err != nil {
		logging.Op().Warn("dispatch: update_env_kick_vm partial failure", "env", req.EnvId, "error", err)
	}
	d.persist(cli, req.EnvId)
	return json.Marshal("Success!")
}

// persist writes the current state of envID to CfgDB, best-effort: a
// write failure is logged, not surfaced to the caller, matching the
// original's treatment of persistence as a side effect of a successful
// mutation rather than part of its transactional contract.
func (d *Dispatcher) persist(cli ttdef.CliId, envID ttdef.EnvId) {
	if d.CfgDB == nil {
		return
	}
	snap, ok := d.Serv.Snapshot(cli, envID)
	if !ok {
		return
	}
	if err := d.CfgDB.Write(cli, snap); err != nil {
		logging.Op().Error("dispatch: persist env failed", "client", cli, "env", envID, "error", err)
	}
}

// ParseCliId parses the wire cli_id string into a CliId, used by both
// the UDP and HTTP transports before calling Dispatch. The proxy's
// synthetic "SYSTEM-CRON-" polling identity maps to CliId 0.
func ParseCliId(s string) (ttdef.CliId, error) {
	if strings.HasPrefix(s, "SYSTEM-CRON-") {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed cli_id %q", ttdef.ErrClientUnknown, s)
	}
	return ttdef.CliId(n), nil
}
