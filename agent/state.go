package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// agentState is what the agent remembers between restarts.
type agentState struct {
	AgentID        string    `json:"agent_id"`
	OrganizationID string    `json:"organization_id"`
	DeviceID       string    `json:"device_id"`
	EnrolledAt     time.Time `json:"enrolled_at"`
	Locked         bool      `json:"locked,omitempty"`
}

func (s *agentState) enrolled() bool {
	return s != nil && s.AgentID != ""
}

// loadState reads the state file. A missing file yields an empty state.
func loadState(path string) (*agentState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &agentState{}, nil
	}
	if err != nil {
		return nil, err
	}
	var st agentState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// saveState writes the state file atomically with owner-only permissions.
func saveState(path string, st *agentState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".agent-state-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
