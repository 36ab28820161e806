package manager

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// RecordVersion is the only persisted layout this build understands.
const RecordVersion = 1

// SavedAssignment is one persisted role assignment.
type SavedAssignment struct {
	DeviceID      string    `json:"deviceId"`
	DeviceName    string    `json:"deviceName"`
	TransportHint string    `json:"transportHint"`
	Role          Role      `json:"role"`
	AssignedAt    time.Time `json:"assignedAt"`
}

// Record is the persisted role-assignment document.
type Record struct {
	Version     int               `json:"version"`
	Assignments []SavedAssignment `json:"assignments"`
}

// RoleStore reads and writes the Record as JSON. A nil *RoleStore stores
// nothing.
type RoleStore struct {
	filePath string
	logger   *log.Logger
}

func NewRoleStore(logger *log.Logger, filePath string) *RoleStore {
	if logger == nil {
		panic("RoleStore: logger cannot be nil")
	}
	return &RoleStore{filePath: filePath, logger: logger}
}

// DefaultRoleStorePath is ~/.smart-trainer/role_assignments.json.
func DefaultRoleStorePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".smart-trainer", "role_assignments.json")
}

func (s *RoleStore) Path() string { return s.filePath }

// Load returns the saved assignments. A missing, malformed or unknown-version
// file yields none.
func (s *RoleStore) Load() []SavedAssignment {
	if s == nil {
		return nil
	}
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		s.logger.Printf("RoleStore: load %s (no existing file)", s.filePath)
		return nil
	}
	assignments, err := DecodeRecord(raw)
	if err != nil {
		s.logger.Printf("RoleStore: load %s discarded: %v", s.filePath, err)
		return nil
	}
	s.logger.Printf("RoleStore: load %s -> %d assignment(s)", s.filePath, len(assignments))
	return assignments
}

// Save replaces the file with assignments.
func (s *RoleStore) Save(assignments []SavedAssignment) error {
	if s == nil {
		return nil
	}
	raw, err := EncodeRecord(assignments)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return fmt.Errorf("save mkdir: %w", err)
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("save %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		return fmt.Errorf("save rename: %w", err)
	}
	s.logger.Printf("RoleStore: save %s -> %d assignment(s)", s.filePath, len(assignments))
	return nil
}

// EncodeRecord writes assignments as a current-version record ordered by role.
func EncodeRecord(assignments []SavedAssignment) ([]byte, error) {
	sorted := append([]SavedAssignment(nil), assignments...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Role < sorted[j].Role })
	if sorted == nil {
		sorted = []SavedAssignment{}
	}
	return json.MarshalIndent(Record{Version: RecordVersion, Assignments: sorted}, "", "  ")
}

// DecodeRecord parses a record. Entries without a device id and repeated
// roles are dropped; the first entry for a role wins.
func DecodeRecord(raw []byte) ([]SavedAssignment, error) {
	var header struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("malformed record: %w", err)
	}
	if header.Version != RecordVersion {
		return nil, fmt.Errorf("unsupported record version %d", header.Version)
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("malformed record: %w", err)
	}
	seen := make(map[Role]bool)
	var out []SavedAssignment
	for _, a := range record.Assignments {
		if a.DeviceID == "" || seen[a.Role] {
			continue
		}
		seen[a.Role] = true
		out = append(out, a)
	}
	return out, nil
}
