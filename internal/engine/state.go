package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/aerugo/SimCash-sub000/internal/event"
	"github.com/aerugo/SimCash-sub000/internal/ledger"
	"github.com/aerugo/SimCash-sub000/internal/policy"
	"github.com/aerugo/SimCash-sub000/internal/rtgs"
)

// StateVersion is the checkpoint format written by SaveState.
const StateVersion = 1

// ErrDigestMismatch is returned when a checkpoint's state does not hash to its digest.
var ErrDigestMismatch = errors.New("checkpoint digest mismatch")

type savedState struct {
	Config   Config                     `json:"config"`
	Tick     int64                      `json:"tick"`
	Money    int64                      `json:"money"`
	Ledger   ledger.State               `json:"ledger"`
	Queue    rtgs.QueueState            `json:"queue"`
	Policies map[string]json.RawMessage `json:"policies"`
	Pending  []event.Event              `json:"pending_events"`
	Reloads  []*event.PolicyReloaded    `json:"pending_reloads"`
}

type checkpoint struct {
	Version int             `json:"version"`
	Digest  string          `json:"digest"`
	State   json.RawMessage `json:"state"`
}

// canonical encodes the full state. Agents are sorted, transactions are in
// creation order and maps encode with sorted keys, so equal states encode
// to equal bytes.
func (s *Simulation) canonical() ([]byte, error) {
	s.reloadMu.Lock()
	policies := s.registry.Snapshot()
	reloads := append([]*event.PolicyReloaded(nil), s.reloads...)
	s.reloadMu.Unlock()

	st := savedState{
		Config:   s.cfg,
		Tick:     s.tick,
		Money:    s.money,
		Ledger:   s.ledger.Export(),
		Queue:    s.queue.Export(),
		Policies: make(map[string]json.RawMessage, len(policies)),
		Pending:  s.rec.Events(),
		Reloads:  reloads,
	}
	for id, p := range policies {
		st.Policies[id] = json.RawMessage(p.Definition())
	}
	b, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return b, nil
}

// StateDigest is the keccak-256 hash of the canonical state.
func (s *Simulation) StateDigest() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.canonical()
	if err != nil {
		return "", err
	}
	return crypto.Keccak256Hash(b).Hex(), nil
}

// SaveState serialises the simulation between ticks.
func (s *Simulation) SaveState() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted != nil {
		return nil, fmt.Errorf("save state: %w", ErrSimulationHalted)
	}
	b, err := s.canonical()
	if err != nil {
		return nil, err
	}
	return json.Marshal(checkpoint{
		Version: StateVersion,
		Digest:  crypto.Keccak256Hash(b).Hex(),
		State:   b,
	})
}

// LoadState rebuilds a simulation from SaveState output. Continuing it
// produces the same events and digests the original would have.
func LoadState(blob []byte, logger zerolog.Logger) (*Simulation, error) {
	var cp checkpoint
	if err := json.Unmarshal(blob, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if cp.Version != StateVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %d", cp.Version)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, cp.State); err != nil {
		return nil, fmt.Errorf("decode checkpoint state: %w", err)
	}
	if got := crypto.Keccak256Hash(compact.Bytes()).Hex(); got != cp.Digest {
		return nil, fmt.Errorf("%w: have %s, computed %s", ErrDigestMismatch, cp.Digest, got)
	}

	var st savedState
	if err := json.Unmarshal(compact.Bytes(), &st); err != nil {
		return nil, fmt.Errorf("decode checkpoint state: %w", err)
	}
	if err := st.Config.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint config: %w", err)
	}

	l, err := ledger.Restore(st.Ledger)
	if err != nil {
		return nil, err
	}
	q, err := rtgs.RestoreQueue(st.Queue)
	if err != nil {
		return nil, err
	}
	for _, e := range q.Entries() {
		tx, ok := l.Transaction(e.TxID)
		if !ok || tx.Location != ledger.LocationCentral {
			return nil, fmt.Errorf("restore queue: %s is not a central-queue transaction", e.TxID)
		}
	}
	if total := l.TotalBalance(); total != st.Money {
		return nil, fmt.Errorf("%w: checkpoint balances sum to %d, expected %d", ledger.ErrConservationViolation, total, st.Money)
	}

	fallback, err := policy.Builtin(policy.DefaultPolicyName, st.Config.MaxTreeDepth)
	if err != nil {
		return nil, err
	}
	registry := policy.NewRegistry(l.AgentIDs(), fallback, st.Config.MaxTreeDepth)
	for _, id := range l.AgentIDs() {
		def, ok := st.Policies[id]
		if !ok {
			return nil, fmt.Errorf("checkpoint has no policy for agent %s", id)
		}
		p, err := policy.Load(def, st.Config.MaxTreeDepth)
		if err != nil {
			return nil, fmt.Errorf("checkpoint policy for %s: %w", id, err)
		}
		if err := registry.Install(id, p); err != nil {
			return nil, err
		}
	}

	s := &Simulation{
		cfg:      st.Config,
		ledger:   l,
		queue:    q,
		registry: registry,
		rec:      event.ResumeRecorder(st.Tick, st.Pending),
		tick:     st.Tick,
		money:    st.Money,
		reloads:  st.Reloads,
		logger:   logger.With().Str("component", "engine").Logger(),
	}
	s.wire()
	return s, nil
}
