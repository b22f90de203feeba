// Package migrations bundles the ordered schema migrations for the
// project-local and global stores. Each migration pairs an up and a down SQL
// file with the checksum recorded at release time; the runner recomputes the
// checksum before applying and refuses to run a migration whose source no
// longer matches.
package migrations

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
)

//go:embed *.sql
var files embed.FS

// Migration is one ordered schema step.
type Migration struct {
	ID       int
	Name     string
	upFile   string
	downFile string
	// Checksum is the sha256 over the up file bytes followed by the down
	// file bytes, recorded when the migration was authored.
	Checksum string
}

// Project is the ordered migration list for the project-local store.
var Project = []Migration{
	{1, "core_tables", "001_core_tables.up.sql", "001_core_tables.down.sql",
		"4b2276c20724795ed45bdaaa304362490471ec70e0c93b7df8de37bfbb7f1ffa"},
	{2, "audit_log", "002_audit_log.up.sql", "002_audit_log.down.sql",
		"63bba202a1d2959c259e57133dceb9e03dbec3743682e0cc772ca62082423930"},
	{3, "task_invocations", "003_task_invocations.up.sql", "003_task_invocations.down.sql",
		"ac31461f6acb9fdc75d7ce4d0c65e60db797d5e835087117d0e8bbeca724711e"},
	{4, "lease_tables", "004_lease_tables.up.sql", "004_lease_tables.down.sql",
		"4e890b45ae24163fc5a576bd6cc7eedf7123ad8affb4ee9a57a40d58340b60ed"},
	{5, "incidents", "005_incidents.up.sql", "005_incidents.down.sql",
		"c52edde324830c877bd8300f6d20c14ac4bf7138aaacf041f19a4be0a9fed4f4"},
	{6, "disputes", "006_disputes.up.sql", "006_disputes.down.sql",
		"327d6ffeee5d0d56ff5b01838a23b5d82af3e38c51c1282da2b3205416877804"},
	{7, "merge_coordination", "007_merge_coordination.up.sql", "007_merge_coordination.down.sql",
		"d8bec1c7f0d9dacfea2850e24d24cca86feab6001780e35a47f4131499271ed4"},
	{8, "hot_path_indexes", "008_hot_path_indexes.up.sql", "008_hot_path_indexes.down.sql",
		"3e20e47dff0bf73e463cabb57cb8edc663474bfa580afbf3b650927178cf3e93"},
}

// Global is the ordered migration list for the global store.
var Global = []Migration{
	{1, "runner_registry", "g001_runner_registry.up.sql", "g001_runner_registry.down.sql",
		"6cb8dc6fdd5cd45848584329757a82950a84f57516c99ebd77914a510c7bc090"},
	{2, "parallel_sessions", "g002_parallel_sessions.up.sql", "g002_parallel_sessions.down.sql",
		"9bfaae834a6e7d2a3003aa179f64e3ad648f08881d7aea37fa6850785b22cfee"},
	{3, "activity_log", "g003_activity_log.up.sql", "g003_activity_log.down.sql",
		"af14ddae439265c47ace6995b1412e8338106b9eaca83f2e83a645e8f58fbb8e"},
}

// UpSQL returns the migration's up DDL.
func (m Migration) UpSQL() (string, error) {
	data, err := files.ReadFile(m.upFile)
	if err != nil {
		return "", fmt.Errorf("missing up SQL for migration %d (%s): %w", m.ID, m.Name, err)
	}
	return string(data), nil
}

// DownSQL returns the migration's down DDL.
func (m Migration) DownSQL() (string, error) {
	data, err := files.ReadFile(m.downFile)
	if err != nil {
		return "", fmt.Errorf("missing down SQL for migration %d (%s): %w", m.ID, m.Name, err)
	}
	return string(data), nil
}

// ComputeChecksum recomputes the checksum over the migration's source files.
func (m Migration) ComputeChecksum() (string, error) {
	up, err := files.ReadFile(m.upFile)
	if err != nil {
		return "", fmt.Errorf("missing up SQL for migration %d (%s): %w", m.ID, m.Name, err)
	}
	down, err := files.ReadFile(m.downFile)
	if err != nil {
		return "", fmt.Errorf("missing down SQL for migration %d (%s): %w", m.ID, m.Name, err)
	}
	h := sha256.New()
	h.Write(up)
	h.Write(down)
	return hex.EncodeToString(h.Sum(nil)), nil
}
