package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ttstack/tt/internal/clusterstore"
	"github.com/ttstack/tt/internal/dispatch"
	"github.com/ttstack/tt/internal/env"
	"github.com/ttstack/tt/internal/logging"
	"github.com/ttstack/tt/internal/ttdef"
)

// pollIntervalSecs matches the original's SYNC_ITV: the proxy refreshes
// its view of every slave once a second, the same cadence the inflight
// table's timeout bucketing assumes.
const pollIntervalSecs = 1

// SlaveServerInfo is one slave's get_server_info snapshot as cached by
// the registry's poll loop.
type SlaveServerInfo struct {
	Addr          string
	VmTotal       int32
	CPUTotal      int32
	CPUUsed       int32
	MemTotal      int32
	MemUsed       int32
	DiskTotal     int32
	DiskUsed      int32
	SupportedList []string
}

// Registry is the proxy's view of the slave pool: a per-second-polled
// cache of server info (used for placement) and an env-id-to-slave-
// addresses map (used to route per-env follow-up opcodes). Both are
// wholesale-replaced every poll cycle rather than updated incrementally,
// so an unreachable slave drops out and an env that expired on its
// slave stops being routable, instead of lingering and blocking a
// same-named re-create.
type Registry struct {
	mu       sync.RWMutex
	slaves   map[string]SlaveServerInfo
	envAddrs map[ttdef.EnvId][]string

	configured []string
	fwd        *Forwarder
	table      *InflightTable
	store      *clusterstore.Store
}

// NewRegistry builds a registry that polls the given slave addresses.
// store may be nil, in which case the registry runs purely in memory
// and always starts cold.
func NewRegistry(slaveAddrs []string, fwd *Forwarder, table *InflightTable, store *clusterstore.Store) *Registry {
	return &Registry{
		slaves:     make(map[string]SlaveServerInfo),
		envAddrs:   make(map[ttdef.EnvId][]string),
		configured: slaveAddrs,
		fwd:        fwd,
		table:      table,
		store:      store,
	}
}

// SeedFromStore pre-populates the server-info cache from the durable
// store, letting a restarted proxy make placement decisions against a
// recent snapshot instead of an empty pool for the first poll interval.
func (r *Registry) SeedFromStore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("proxy: seed registry from store: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		r.slaves[rec.Addr] = SlaveServerInfo{
			Addr: rec.Addr, VmTotal: rec.VmTotal, CPUTotal: rec.CPUTotal,
			MemTotal: rec.MemTotal, DiskTotal: rec.DiskTotal, SupportedList: rec.SupportedList,
		}
	}
	return nil
}

// Slaves returns a snapshot of the current server-info cache.
func (r *Registry) Slaves() []SlaveServerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SlaveServerInfo, 0, len(r.slaves))
	for _, s := range r.slaves {
		out = append(out, s)
	}
	return out
}

// AddrsForEnv returns the slave addresses known to host envID, or nil
// if the env isn't in the current cache.
func (r *Registry) AddrsForEnv(id ttdef.EnvId) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.envAddrs[id]...)
}

// RecordPlacement records that envID now lives on addrs, used right
// after add_env accepts a placement so follow-up opcodes route
// correctly before the next poll cycle refreshes the cache naturally.
func (r *Registry) RecordPlacement(id ttdef.EnvId, addrs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envAddrs[id] = append([]string(nil), addrs...)
}

// ForgetEnv drops envID from the routing cache immediately, matching
// del_env's original behavior of removing the ENV_MAP entry before
// fanning the delete out to slaves, rather than waiting for the next
// poll cycle to notice it's gone.
func (r *Registry) ForgetEnv(id ttdef.EnvId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.envAddrs, id)
}

// Run blocks, polling every configured slave for its server info and
// full env list once per pollIntervalSecs, until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(pollIntervalSecs * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *Registry) pollOnce(ctx context.Context) {
	now := int(env.Now())
	cliID := fmt.Sprintf("SYSTEM-CRON-%d", now)

	infoAgg := &serverInfoPollAggregator{}
	infoUUID := r.table.Register(now, len(r.configured), infoAgg, func(ttdef.Response) {})
	for _, addr := range r.configured {
		if err := r.fwd.Send(addr, ttdef.OpGetServerInfo, infoUUID, cliID, nil); err != nil {
			logging.Op().Warn("proxy: poll get_server_info failed", "slave", addr, "error", err)
		}
	}

	envAgg := &envListPollAggregator{}
	envUUID := r.table.Register(now, len(r.configured), envAgg, func(ttdef.Response) {})
	for _, addr := range r.configured {
		if err := r.fwd.Send(addr, ttdef.OpGetEnvListAll, envUUID, cliID, nil); err != nil {
			logging.Op().Warn("proxy: poll get_env_list_all failed", "slave", addr, "error", err)
		}
	}

	// Give outstanding replies the rest of this tick to land, then take
	// whatever arrived; InflightTable.Sweep (driven separately by the
	// server loop) will finish the rest if nothing more arrives in time.
	select {
	case <-ctx.Done():
		return
	case <-time.After(pollIntervalSecs * time.Second / 2):
	}

	slaves := infoAgg.snapshot()
	r.mu.Lock()
	r.slaves = slaves
	r.envAddrs = envAgg.snapshot()
	r.mu.Unlock()

	if r.store != nil {
		seen := time.Now()
		for _, s := range slaves {
			rec := clusterstore.SlaveRecord{
				Addr: s.Addr, LastSeen: seen, VmTotal: s.VmTotal,
				CPUTotal: s.CPUTotal, MemTotal: s.MemTotal, DiskTotal: s.DiskTotal,
				SupportedList: s.SupportedList,
			}
			if err := r.store.Upsert(ctx, rec); err != nil {
				logging.Op().Warn("proxy: persist slave record failed", "slave", s.Addr, "error", err)
			}
		}
	}
}

// serverInfoPollAggregator collects get_server_info replies for one
// poll cycle, keyed by the slave address the reply arrived from.
type serverInfoPollAggregator struct {
	mu   sync.Mutex
	byAd map[string]SlaveServerInfo
}

func (a *serverInfoPollAggregator) Add(slaveAddr string, resp ttdef.Response) {
	if resp.Status != ttdef.StatusSuccess {
		return
	}
	var byServAddr map[string]dispatch.RespGetServerInfo
	if err := json.Unmarshal(resp.Msg, &byServAddr); err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.byAd == nil {
		a.byAd = make(map[string]SlaveServerInfo)
	}
	for servAddr, info := range byServAddr {
		a.byAd[servAddr] = SlaveServerInfo{
			Addr: servAddr, VmTotal: info.VmTotal, CPUTotal: info.CPUTotal, CPUUsed: info.CPUUsed,
			MemTotal: info.MemTotal, MemUsed: info.MemUsed, DiskTotal: info.DiskTotal, DiskUsed: info.DiskUsed,
			SupportedList: info.SupportedList,
		}
	}
}

func (a *serverInfoPollAggregator) Finish(timedOut bool) ttdef.Response { return ttdef.Response{} }

func (a *serverInfoPollAggregator) snapshot() map[string]SlaveServerInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]SlaveServerInfo, len(a.byAd))
	for k, v := range a.byAd {
		out[k] = v
	}
	return out
}

// envListPollAggregator collects get_env_list_all replies for one poll
// cycle, inverting each slave's env list into an env-id -> slave-
// addresses map.
type envListPollAggregator struct {
	mu    sync.Mutex
	addrs map[ttdef.EnvId][]string
}

func (a *envListPollAggregator) Add(slaveAddr string, resp ttdef.Response) {
	if resp.Status != ttdef.StatusSuccess {
		return
	}
	var byServAddr map[string]dispatch.RespGetEnvListAll
	if err := json.Unmarshal(resp.Msg, &byServAddr); err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.addrs == nil {
		a.addrs = make(map[ttdef.EnvId][]string)
	}
	for servAddr, metas := range byServAddr {
		for _, m := range metas {
			a.addrs[m.ID] = append(a.addrs[m.ID], servAddr)
		}
	}
}

func (a *envListPollAggregator) Finish(timedOut bool) ttdef.Response { return ttdef.Response{} }

func (a *envListPollAggregator) snapshot() map[ttdef.EnvId][]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[ttdef.EnvId][]string, len(a.addrs))
	for k, v := range a.addrs {
		out[k] = append([]string(nil), v...)
	}
	return out
}
