package cfgdb

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ttstack/tt/internal/env"
	"github.com/ttstack/tt/internal/ttdef"
	"github.com/ttstack/tt/internal/vm"
)

func liveSnapshot(id ttdef.EnvId) env.Snapshot {
	return env.Snapshot{
		Id: id, StartTimestamp: 1000, EndTimestamp: 4600,
		Vms: map[ttdef.VmId]vm.Snapshot{
			1: {Id: 1, ImagePath: "/images/alpine.img", IP: [4]byte{10, 10, 0, 1}, ImageCached: true},
		},
	}
}

func remnantSnapshot(id ttdef.EnvId) env.Snapshot {
	return env.Snapshot{
		Id: id, StartTimestamp: 1000, EndTimestamp: 4600,
		Vms: map[ttdef.VmId]vm.Snapshot{
			2: {Id: 2, ImagePath: "/images/alpine.img", IP: [4]byte{10, 10, 0, 2}, ImageCached: false},
		},
	}
}

func TestStore_WriteReadAll_RoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	cli := ttdef.CliId(42)
	snap := liveSnapshot(7)

	if err := s.Write(cli, snap); err != nil {
		t.Fatalf("write: %v", err)
	}

	loaded, remnants, err := s.ReadAll()
	if err != nil {
		t.Fatalf("read_all: %v", err)
	}
	if len(remnants) != 0 {
		t.Fatalf("expected no remnants, got %d", len(remnants))
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 loaded entry, got %d", len(loaded))
	}
	if loaded[0].Cli != cli || loaded[0].Env.Id != snap.Id {
		t.Fatalf("round trip mismatch: got %+v", loaded[0])
	}
}

func TestStore_ReadAll_CleansCrashRemnants(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	cli := ttdef.CliId(1)
	snap := remnantSnapshot(9)
	if err := s.Write(cli, snap); err != nil {
		t.Fatalf("write: %v", err)
	}

	loaded, remnants, err := s.ReadAll()
	if err != nil {
		t.Fatalf("read_all: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected no live envs, got %d", len(loaded))
	}
	if len(remnants) != 1 {
		t.Fatalf("expected 1 remnant, got %d", len(remnants))
	}

	// The file itself is removed, but the client directory survives.
	path := s.envPath(cli, snap.Id)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected remnant file to be removed, stat err=%v", err)
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Fatalf("expected client dir to survive: %v", err)
	}
}

func TestStore_Del_MissingFileIsNotError(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.Del(ttdef.CliId(1), ttdef.EnvId(99)); err != nil {
		t.Fatalf("expected idempotent del, got %v", err)
	}
}

func TestStore_Write_ThenDel_RemovesEntry(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	cli := ttdef.CliId(5)
	snap := liveSnapshot(3)
	if err := s.Write(cli, snap); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Del(cli, snap.Id); err != nil {
		t.Fatalf("del: %v", err)
	}
	loaded, _, err := s.ReadAll()
	if err != nil {
		t.Fatalf("read_all: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected entry removed, got %d", len(loaded))
	}
}

func TestStore_ReadAll_RejectsFutureSchemaVersion(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	cli := ttdef.CliId(1)
	snap := liveSnapshot(1)
	if err := s.Write(cli, snap); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Directly corrupt the schema version past what this build
	// understands and confirm ReadAll skips it rather than crashing.
	path := s.envPath(cli, snap.Id)
	entry := Entry{SchemaVersion: CurrentSchemaVersion + 1, Env: snap}
	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write corrupted entry: %v", err)
	}

	loaded, _, err := s.ReadAll()
	if err != nil {
		t.Fatalf("read_all: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected future-schema entry to be skipped, got %d loaded", len(loaded))
	}
}
