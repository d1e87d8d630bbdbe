package ttdef

// Opcode identifies a request type on the client<->host and
// proxy<->slave wire protocols. The ASCII-width-4 framing on the UDP
// transport encodes these as zero-padded decimal strings, so the
// numbering itself is part of the wire contract and must never be
// renumbered once shipped.
type Opcode int

const (
	OpRegisterClient Opcode = iota
	OpGetServerInfo
	OpGetEnvList
	OpGetEnvInfo
	OpAddEnv
	OpDelEnv
	OpUpdateEnvLifetime
	OpUpdateEnvKickVm
	OpGetEnvListAll
	OpStopEnv
	OpStartEnv
	OpUpdateEnvResource
)

func (o Opcode) String() string {
	switch o {
	case OpRegisterClient:
		return "register_client_id"
	case OpGetServerInfo:
		return "get_server_info"
	case OpGetEnvList:
		return "get_env_list"
	case OpGetEnvInfo:
		return "get_env_info"
	case OpAddEnv:
		return "add_env"
	case OpDelEnv:
		return "del_env"
	case OpUpdateEnvLifetime:
		return "update_env_lifetime"
	case OpUpdateEnvKickVm:
		return "update_env_kick_vm"
	case OpGetEnvListAll:
		return "get_env_list_all"
	case OpStopEnv:
		return "stop_env"
	case OpStartEnv:
		return "start_env"
	case OpUpdateEnvResource:
		return "update_env_resource"
	default:
		return "unknown_opcode"
	}
}

// OpcodeByName is the reverse lookup ttserv's HTTP convenience mode
// uses to map a POST /<name> path segment back to its numeric Opcode.
var OpcodeByName = map[string]Opcode{
	"register_client_id":  OpRegisterClient,
	"get_server_info":      OpGetServerInfo,
	"get_env_list":         OpGetEnvList,
	"get_env_info":         OpGetEnvInfo,
	"add_env":              OpAddEnv,
	"del_env":              OpDelEnv,
	"update_env_lifetime":  OpUpdateEnvLifetime,
	"update_env_kick_vm":   OpUpdateEnvKickVm,
	"get_env_list_all":     OpGetEnvListAll,
	"stop_env":             OpStopEnv,
	"start_env":            OpStartEnv,
	"update_env_resource":  OpUpdateEnvResource,
}

// Status is the coarse outcome every Resp carries, before a caller
// bothers inspecting Kind/Error for detail.
type Status string

const (
	StatusSuccess Status = "Success"
	StatusFail    Status = "Fail"
)

// Envelope is the request body every opcode is JSON-encoded into before
// zlib compression and the width-4 opcode header are applied by the
// dispatch package's framing. CliId is absent for register_client_id;
// the proxy's polls carry a synthetic SYSTEM-CRON- identity, which
// dispatch recognizes without needing a registered client entry.
type Envelope struct {
	Uuid  uint64 `json:"uuid"`
	CliId string `json:"cli_id,omitempty"`
	Msg   []byte `json:"msg"`
}

// Response is the common envelope every handler returns, regardless of
// opcode. Kind and Error are empty on success; Msg carries the
// opcode-specific JSON payload.
type Response struct {
	Uuid   uint64    `json:"uuid"`
	Status Status    `json:"status"`
	Kind   ErrorKind `json:"error_kind,omitempty"`
	Error  string    `json:"error,omitempty"`
	Msg    []byte    `json:"msg,omitempty"`
}

// Ok builds a success Response carrying msg as its JSON payload.
func Ok(uuid uint64, msg []byte) Response {
	return Response{Uuid: uuid, Status: StatusSuccess, Msg: msg}
}

// Fail builds an error Response, classifying err into its wire Kind.
func Fail(uuid uint64, err error) Response {
	return Response{Uuid: uuid, Status: StatusFail, Kind: ClassifyErr(err), Error: err.Error()}
}
