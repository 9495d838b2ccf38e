package ibft

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	"github.com/metanode/core/pkg/coreerr"
	"github.com/metanode/core/pkg/hashing"
)

// PersistedState is the durable per-node consensus state: the latest
// finalized block and the validator set snapshot it finalized under.
// It lives in a state/ subdirectory of the node's data directory and
// is rewritten atomically on every save.
type PersistedState struct {
	Height     uint64             `cbor:"1,keyasint"`
	Round      uint32             `cbor:"2,keyasint"`
	Hash       [hashing.Size]byte `cbor:"3,keyasint"`
	Epoch      uint64             `cbor:"4,keyasint"`
	Validators []Validator        `cbor:"5,keyasint"`
}

const stateFileName = "consensus.state"

// SaveState writes the engine's latest finalized height and current
// validator set snapshot under dir/state/, replacing any previous
// save via an atomic rename so a crash mid-write never leaves a
// half-written state file.
func (e *Engine) SaveState(dir string) error {
	fb, ok := e.LatestFinalized()
	if !ok {
		return fmt.Errorf("%w: nothing finalized yet", coreerr.InvalidInput)
	}
	vs := e.Snapshot()

	st := PersistedState{
		Height:     fb.Height,
		Round:      fb.Round,
		Hash:       fb.Hash,
		Epoch:      vs.Epoch,
		Validators: vs.Validators,
	}

	data, err := cbor.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding consensus state: %w", err)
	}

	stateDir := filepath.Join(dir, "state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", coreerr.IoError, err)
	}
	tmp := filepath.Join(stateDir, stateFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", coreerr.IoError, err)
	}
	if err := os.Rename(tmp, filepath.Join(stateDir, stateFileName)); err != nil {
		return fmt.Errorf("%w: %v", coreerr.IoError, err)
	}
	return nil
}

// LoadState reads the state saved by SaveState. Returns
// coreerr.NotFound when no state has been persisted under dir yet.
func LoadState(dir string) (PersistedState, error) {
	data, err := os.ReadFile(filepath.Join(dir, "state", stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return PersistedState{}, fmt.Errorf("%w: no persisted consensus state under %s", coreerr.NotFound, dir)
		}
		return PersistedState{}, fmt.Errorf("%w: %v", coreerr.IoError, err)
	}

	var st PersistedState
	if err := cbor.Unmarshal(data, &st); err != nil {
		return PersistedState{}, fmt.Errorf("%w: decoding consensus state: %v", coreerr.Integrity, err)
	}
	return st, nil
}
