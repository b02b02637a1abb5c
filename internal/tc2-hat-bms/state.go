package bms

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/TheCacophonyProject/tc2-bms-controller/soc"
)

const (
	DefaultStateDir = "/var/lib/tc2-bms"
	stateFileName   = "bms_state.json"
	persistInterval = time.Minute
)

type persistentState struct {
	soc.State
	LastUpdated time.Time `json:"lastUpdated"`
}

type stateStore struct {
	path string
}

func newStateStore(dir string) *stateStore {
	return &stateStore{path: filepath.Join(dir, stateFileName)}
}

// load returns false with no error when nothing has been saved yet.
func (s *stateStore) load() (soc.State, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return soc.State{}, false, nil
		}
		return soc.State{}, false, err
	}
	var state persistentState
	if err := json.Unmarshal(data, &state); err != nil {
		return soc.State{}, false, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	return state.State, true, nil
}

// save writes through a temporary file and rename.
func (s *stateStore) save(state soc.State, now time.Time) error {
	data, err := json.MarshalIndent(persistentState{State: state, LastUpdated: now}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
