package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ttstack/tt/internal/cfgdb"
	"github.com/ttstack/tt/internal/resource"
	"github.com/ttstack/tt/internal/serv"
	"github.com/ttstack/tt/internal/ttdef"
	"github.com/ttstack/tt/internal/vm"
)

type fakeNAT struct{}

func (fakeNAT) SetRule(ctx context.Context, v *vm.Vm) error   { return nil }
func (fakeNAT) CleanRule(ctx context.Context, v *vm.Vm) error { return nil }

type fakeHyper struct{}

func (fakeHyper) PreStart(ctx context.Context, v *vm.Vm) error { return nil }
func (fakeHyper) PostClean(v *vm.Vm)                           {}
func (fakeHyper) Start(ctx context.Context, v *vm.Vm) error    { return nil }
func (fakeHyper) Pause(ctx context.Context, v *vm.Vm) error    { return nil }
func (fakeHyper) Resume(ctx context.Context, v *vm.Vm) error   { return nil }

type fakeFilter struct{}

func (fakeFilter) DenyOutgoing(ctx context.Context, vms []*vm.Vm) error  { return nil }
func (fakeFilter) AllowOutgoing(ctx context.Context, vms []*vm.Vm) error { return nil }

type fakeImages struct{}

func (fakeImages) Resolve(os string) (string, ttdef.VmKind, bool) {
	if strings.HasPrefix(strings.ToLower(os), "ubuntu") {
		return "/images/ubuntu-22.04.img", ttdef.VmKindQemu, true
	}
	return "", 0, false
}

func (fakeImages) MatchPrefix(prefix string) map[string]string {
	if strings.HasPrefix("ubuntu-22.04", prefix) {
		return map[string]string{"ubuntu-22.04": "/images/ubuntu-22.04.img"}
	}
	return nil
}

func (fakeImages) SupportedList() []string { return []string{"ubuntu-22.04"} }

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	rsc := resource.New(16, 64, 65536, 655360)
	s := serv.New(rsc, 40000, 40500, serv.Drivers{NAT: fakeNAT{}, Hyper: fakeHyper{}, Filter: fakeFilter{}})
	store, err := cfgdb.New(t.TempDir())
	if err != nil {
		t.Fatalf("cfgdb.New: %v", err)
	}
	return &Dispatcher{Serv: s, CfgDB: store, Images: fakeImages{}, ServAddr: "127.0.0.1:9000", ServIP: "203.0.113.5"}
}

func TestFrame_EncodeDecode_RoundTrip(t *testing.T) {
	payload := []byte(`{"uuid":1,"msg":"aGk="}`)
	frame, err := EncodeFrame(ttdef.OpGetServerInfo, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	op, body, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if op != ttdef.OpGetServerInfo {
		t.Fatalf("opcode mismatch: got %v", op)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("payload mismatch: got %s", body)
	}
}

func TestDecodeFrame_RejectsShortDatagram(t *testing.T) {
	if _, _, err := DecodeFrame([]byte("12")); err == nil {
		t.Fatal("expected error for short datagram")
	}
}

func TestOpcodeByName_IsInverseOfString(t *testing.T) {
	for name, op := range ttdef.OpcodeByName {
		if op.String() != name {
			t.Fatalf("OpcodeByName[%q] = %v, but %v.String() = %q", name, op, op, op.String())
		}
	}
}

func TestDispatch_RegisterClient_ThenDuplicateFails(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	resp := d.Dispatch(ctx, ttdef.OpRegisterClient, 7, 1, nil)
	if resp.Status != ttdef.StatusSuccess {
		t.Fatalf("expected success, got %+v", resp)
	}

	resp = d.Dispatch(ctx, ttdef.OpRegisterClient, 7, 2, nil)
	if resp.Status != ttdef.StatusFail || resp.Kind != ttdef.KindAlreadyExists {
		t.Fatalf("expected already_exists failure, got %+v", resp)
	}
}

func TestDispatch_AddEnv_ThenGetEnvInfo_SubstitutesServIP(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	if resp := d.Dispatch(ctx, ttdef.OpRegisterClient, 1, 1, nil); resp.Status != ttdef.StatusSuccess {
		t.Fatalf("register: %+v", resp)
	}

	addMsg, err := json.Marshal(ReqAddEnv{EnvId: 0, OSPrefix: []string{"ubuntu"}, PortSet: []ttdef.InnerPort{80}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp := d.Dispatch(ctx, ttdef.OpAddEnv, 1, 2, addMsg)
	if resp.Status != ttdef.StatusSuccess {
		t.Fatalf("add_env: %+v", resp)
	}

	listMsg, err := json.Marshal(ReqGetEnvInfo{EnvSet: []ttdef.EnvId{0}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp = d.Dispatch(ctx, ttdef.OpGetEnvInfo, 1, 3, listMsg)
	if resp.Status != ttdef.StatusSuccess {
		t.Fatalf("get_env_info: %+v", resp)
	}
	var out map[string]RespGetEnvInfo
	if err := json.Unmarshal(resp.Msg, &out); err != nil {
		t.Fatalf("unmarshal resp: %v", err)
	}
	infos := out["127.0.0.1:9000"]
	if len(infos) != 1 || len(infos[0].Vms) == 0 {
		t.Fatalf("expected one env with vms, got %+v", infos)
	}
	for _, vmi := range infos[0].Vms {
		if vmi.IP != "203.0.113.5" {
			t.Fatalf("expected vm ip substituted with serv ip, got %q", vmi.IP)
		}
	}
}

func TestDispatch_UnknownOpcode_Fails(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), ttdef.Opcode(999), 1, 1, nil)
	if resp.Status != ttdef.StatusFail {
		t.Fatalf("expected failure for unknown opcode, got %+v", resp)
	}
}
