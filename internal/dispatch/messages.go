package dispatch

import (
	"github.com/ttstack/tt/internal/env"
	"github.com/ttstack/tt/internal/ttdef"
)

// Per-opcode message bodies, carried as Envelope.Msg/Response.Msg.
// Field names and shapes are grounded on server_def's Req*/Resp* structs
// (ReqAddEnv, ReqUpdateEnvResource, etc.) — the same wire contract the
// original client and proxy speak, translated from Rust's Option<T> into
// Go's *T for optional fields.

// VmSpec describes one group of Vms to add, mirroring ReqAddEnv's
// implicit per-OS-prefix expansion plus the explicit vmcfg override path.
type VmSpec struct {
	OS       string              `json:"os"`
	PortList []ttdef.InnerPort   `json:"port_list"`
	CPU      *int32              `json:"cpu_num,omitempty"`
	Mem      *int32              `json:"mem_size,omitempty"`
	Disk     *int32              `json:"disk_size,omitempty"`
	RandUUID bool                `json:"rand_uuid"`
}

// ReqAddEnv is add_env's request payload.
type ReqAddEnv struct {
	EnvId         ttdef.EnvId `json:"env_id"`
	OSPrefix      []string    `json:"os_prefix"`
	LifeTime      *uint64     `json:"life_time,omitempty"`
	CPU           *int32      `json:"cpu_num,omitempty"`
	Mem           *int32      `json:"mem_size,omitempty"`
	Disk          *int32      `json:"disk_size,omitempty"`
	PortSet       []ttdef.InnerPort `json:"port_set"`
	DupEach       *int        `json:"dup_each,omitempty"`
	DenyOutgoing  bool        `json:"deny_outgoing"`
	VmCfg         []VmSpec    `json:"vmcfg,omitempty"`
}

// ReqStopEnv / ReqStartEnv share the original's ReqStopEnv shape.
type ReqStopEnv struct {
	EnvId ttdef.EnvId `json:"env_id"`
}
type ReqStartEnv = ReqStopEnv

// ReqDelEnv is del_env's request payload.
type ReqDelEnv struct {
	EnvId ttdef.EnvId `json:"env_id"`
}

// ReqGetEnvInfo is get_env_info's request payload.
type ReqGetEnvInfo struct {
	EnvSet []ttdef.EnvId `json:"env_set"`
}

// ReqUpdateEnvLife is update_env_lifetime's request payload.
type ReqUpdateEnvLife struct {
	EnvId      ttdef.EnvId `json:"env_id"`
	LifeTime   uint64      `json:"life_time"`
	Privileged bool        `json:"privileged"`
}

// ReqUpdateEnvResource is update_env_resource's request payload.
type ReqUpdateEnvResource struct {
	EnvId        ttdef.EnvId       `json:"env_id"`
	CPU          *int32            `json:"cpu_num,omitempty"`
	Mem          *int32            `json:"mem_size,omitempty"`
	Disk         *int32            `json:"disk_size,omitempty"`
	VmPort       []ttdef.InnerPort `json:"vm_port"`
	DenyOutgoing *bool             `json:"deny_outgoing,omitempty"`
}

// ReqUpdateEnvKickVm is update_env_kick_vm's request payload.
type ReqUpdateEnvKickVm struct {
	EnvId    ttdef.EnvId   `json:"env_id"`
	VmId     []ttdef.VmId  `json:"vm_id"`
	OSPrefix []string      `json:"os_prefix"`
}

// RespGetServerInfo is get_server_info's response payload.
type RespGetServerInfo struct {
	VmTotal       int32    `json:"vm_total"`
	CPUTotal      int32    `json:"cpu_total"`
	CPUUsed       int32    `json:"cpu_used"`
	MemTotal      int32    `json:"mem_total"`
	MemUsed       int32    `json:"mem_used"`
	DiskTotal     int32    `json:"disk_total"`
	DiskUsed      int32    `json:"disk_used"`
	SupportedList []string `json:"supported_list"`
}

// RespGetEnvList is get_env_list's response payload.
type RespGetEnvList []env.Meta

// RespGetEnvInfo is get_env_info's response payload.
type RespGetEnvInfo []env.Info

// RespGetEnvListAll mirrors get_env_list's shape but spans every
// client, used by the proxy to build its placement view.
type RespGetEnvListAll []env.Meta
