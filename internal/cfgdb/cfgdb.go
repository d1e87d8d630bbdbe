// Package cfgdb is the durable catalog of per-client Envs: one
// directory per client (base64 of its CliId) containing one JSON file
// per Env. It is deliberately a plain file tree rather than a database
// table — see DESIGN.md for why Postgres backs clusterstore but not
// this package.
package cfgdb

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ttstack/tt/internal/env"
	"github.com/ttstack/tt/internal/logging"
	"github.com/ttstack/tt/internal/ttdef"
)

// CurrentSchemaVersion is stamped onto every Entry written from this
// process. A file with no schema_version field (schema version 0,
// written by a version that predates this field) is accepted as
// equivalent to version 1; anything greater than this constant is
// rejected rather than guessed at.
const CurrentSchemaVersion = ttdef.SchemaVersionCurrent

// Entry is the on-disk envelope wrapping an Env's Snapshot with a
// schema version, so a future incompatible change to Snapshot's shape
// can be detected at load time instead of failing json.Unmarshal with
// an opaque error.
type Entry struct {
	SchemaVersion ttdef.SchemaVersion `json:"schema_version"`
	Env           env.Snapshot        `json:"env"`
}

// Store is a CfgDB rooted at Dir.
type Store struct {
	Dir string
}

// New builds a Store rooted at dir, creating it if absent.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cfgdb: create root %q: %w", dir, err)
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) cliDir(cli ttdef.CliId) string {
	return filepath.Join(s.Dir, base64.URLEncoding.EncodeToString([]byte(strconv.FormatUint(uint64(cli), 10))))
}

func (s *Store) envPath(cli ttdef.CliId, id ttdef.EnvId) string {
	return filepath.Join(s.cliDir(cli), fmt.Sprintf("%d.json", uint32(id)))
}

// Write serializes snap atomically: write to a temp file in the same
// directory, then rename over the target, matching the teacher's
// write-then-rename idiom (internal/ai.Service.SavePromptTemplate) so a
// crash mid-write never leaves a half-written catalog entry behind.
func (s *Store) Write(cli ttdef.CliId, snap env.Snapshot) error {
	dir := s.cliDir(cli)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cfgdb: create client dir: %w", err)
	}

	entry := Entry{SchemaVersion: CurrentSchemaVersion, Env: snap}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cfgdb: marshal env %d: %w", snap.Id, err)
	}

	target := s.envPath(cli, snap.Id)
	tmp, err := os.CreateTemp(dir, fmt.Sprintf("%d.*.tmp", uint32(snap.Id)))
	if err != nil {
		return fmt.Errorf("cfgdb: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("cfgdb: write env %d: %w", snap.Id, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("cfgdb: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("cfgdb: replace env %d: %w", snap.Id, err)
	}
	return nil
}

// Del removes env id's persisted file for cli. A missing file is not
// an error: del is called from both the normal del_env path and expiry
// sweep, either of which may race a prior crash-recovery cleanup.
func (s *Store) Del(cli ttdef.CliId, id ttdef.EnvId) error {
	if err := os.Remove(s.envPath(cli, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cfgdb: remove env %d: %w", id, err)
	}
	return nil
}

// Loaded is one successfully-parsed catalog entry, tagged with the
// client it belongs to.
type Loaded struct {
	Cli ttdef.CliId
	Env env.Snapshot
}

// ReadAll scans Dir and returns every catalog entry whose Env has at
// least one Vm with ImageCached true. Entries where every Vm lacks a
// cached image are crash remnants: their file is removed here and the
// caller is expected to invoke each Vm's driver PostClean separately,
// since only the caller holds the configured hypervisor/network
// drivers needed to do that cleanup.
func (s *Store) ReadAll() ([]Loaded, []env.Snapshot, error) {
	clientDirs, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("cfgdb: scan root: %w", err)
	}

	var loaded []Loaded
	var remnants []env.Snapshot

	for _, cd := range clientDirs {
		if !cd.IsDir() {
			continue
		}
		rawID, err := base64.URLEncoding.DecodeString(cd.Name())
		if err != nil {
			logging.Op().Warn("cfgdb: skipping non-client directory", "name", cd.Name(), "error", err)
			continue
		}
		cliNum, err := strconv.ParseUint(string(rawID), 10, 64)
		if err != nil {
			logging.Op().Warn("cfgdb: skipping malformed client id", "name", cd.Name(), "error", err)
			continue
		}
		cli := ttdef.CliId(cliNum)

		files, err := os.ReadDir(filepath.Join(s.Dir, cd.Name()))
		if err != nil {
			return nil, nil, fmt.Errorf("cfgdb: scan client dir %q: %w", cd.Name(), err)
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			path := filepath.Join(s.Dir, cd.Name(), f.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				logging.Op().Warn("cfgdb: skipping unreadable entry", "path", path, "error", err)
				continue
			}
			var entry Entry
			if err := json.Unmarshal(data, &entry); err != nil {
				logging.Op().Warn("cfgdb: skipping corrupt entry", "path", path, "error", err)
				continue
			}
			if entry.SchemaVersion > CurrentSchemaVersion {
				logging.Op().Error("cfgdb: entry has newer schema than this binary understands", "path", path, "schema_version", entry.SchemaVersion)
				continue
			}

			if entry.Env.AnyImageCached() {
				loaded = append(loaded, Loaded{Cli: cli, Env: entry.Env})
			} else {
				remnants = append(remnants, entry.Env)
				if err := os.Remove(path); err != nil {
					logging.Op().Warn("cfgdb: failed removing crash remnant", "path", path, "error", err)
				}
			}
		}
	}

	return loaded, remnants, nil
}
