package persistence_test

import (
	"TokenLedger/internal/core"
	"TokenLedger/internal/event"
	"TokenLedger/internal/persistence"
	"TokenLedger/internal/program"
	"TokenLedger/migrations"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

func key(b byte) solana.PublicKey {
	var k solana.PublicKey
	k[0] = b
	k[31] = b
	return k
}

var (
	programID = key(0x70)
	authority = key(0xaa)
	alice     = key(0x01)
	bob       = key(0x02)
)

func newEngine(persist chan core.CoreOutput) *core.Engine {
	cfg := core.EngineConfig{ProgramID: programID, Logger: zerolog.Nop()}
	if persist != nil {
		cfg.PersistChan = persist
	}
	return core.NewEngine(cfg)
}

func createAccount(k solana.PublicKey) *event.AccountCreated {
	return &event.AccountCreated{RequestID: uuid.New(), Key: k, Timestamp: time.UnixMicro(1_000_000).UTC()}
}

func instruction(data []byte, metas ...event.AccountMeta) *event.InstructionSubmitted {
	return &event.InstructionSubmitted{ID: uuid.New(), Data: data, Accounts: metas, Timestamp: time.UnixMicro(2_000_000).UTC()}
}

func mint(token solana.PublicKey, amount uint64) *event.InstructionSubmitted {
	return instruction(program.MintInstruction(amount), event.AccountMeta{Key: authority}, event.AccountMeta{Key: token})
}

func transfer(src, dst solana.PublicKey, amount uint64) *event.InstructionSubmitted {
	return instruction(program.TransferInstruction(amount),
		event.AccountMeta{Key: src}, event.AccountMeta{Key: dst}, event.AccountMeta{Key: authority, IsSigner: true})
}

func scenario() []event.Event {
	return []event.Event{
		createAccount(authority),
		createAccount(alice),
		createAccount(bob),
		mint(alice, 1000),
		transfer(alice, bob, 250),
		transfer(alice, bob, 5000), // rejected: insufficient funds
		transfer(bob, alice, 50),
	}
}

// run processes events and returns the engine with every output it emitted.
func run(t *testing.T, events []event.Event) (*core.Engine, []core.CoreOutput) {
	t.Helper()
	persist := make(chan core.CoreOutput, len(events))
	e := newEngine(persist)
	for _, evt := range events {
		e.ProcessEvent(evt)
	}
	close(persist)

	var outputs []core.CoreOutput
	for out := range persist {
		outputs = append(outputs, out)
	}
	if len(outputs) != len(events) {
		t.Fatalf("expected %d outputs, got %d", len(events), len(outputs))
	}
	return e, outputs
}

func balance(t *testing.T, e *core.Engine, k solana.PublicKey) uint64 {
	t.Helper()
	acc, ok := e.Account(k)
	if !ok {
		t.Fatalf("account %s not found", k)
	}
	r, err := program.UnpackUnchecked(acc.Data)
	if err != nil {
		t.Fatalf("decode %s: %v", k, err)
	}
	return r.Amount
}

// memorySource is an in-memory EventSource built from engine outputs.
type memorySource struct {
	snapshot *persistence.SnapshotData
	events   []persistence.LoggedEvent
	minted   map[solana.PublicKey]*big.Int
	verified []int64
}

func newMemorySource(outputs []core.CoreOutput) *memorySource {
	src := &memorySource{minted: make(map[solana.PublicKey]*big.Int)}
	for _, out := range outputs {
		row := persistence.NewEventRow(out)
		src.events = append(src.events, persistence.LoggedEvent{
			Sequence:       row.Sequence,
			EventType:      row.EventType,
			IdempotencyKey: row.IdempotencyKey,
			Status:         row.Status,
			Payload:        row.Payload,
			StateHash:      row.StateHash,
			PrevHash:       row.PrevHash,
			OccurredAt:     row.OccurredAt,
		})
		if out.Minted != nil {
			sum, ok := src.minted[out.Minted.Mint]
			if !ok {
				sum = new(big.Int)
				src.minted[out.Minted.Mint] = sum
			}
			sum.Add(sum, new(big.Int).SetUint64(out.Minted.Amount))
		}
	}
	return src
}

func (m *memorySource) LoadLatestSnapshot(ctx context.Context) (*persistence.SnapshotData, error) {
	return m.snapshot, nil
}

func (m *memorySource) LoadStateHash(ctx context.Context, sequence int64) ([]byte, error) {
	for _, e := range m.events {
		if e.Sequence == sequence {
			return e.StateHash, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memorySource) LoadEventsFrom(ctx context.Context, from int64, limit int) ([]persistence.LoggedEvent, error) {
	var out []persistence.LoggedEvent
	for _, e := range m.events {
		if e.Sequence >= from && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memorySource) LoadMintedSupply(ctx context.Context) (map[solana.PublicKey]*big.Int, error) {
	return m.minted, nil
}

func (m *memorySource) MarkVerified(ctx context.Context, sequence int64) error {
	m.verified = append(m.verified, sequence)
	return nil
}

// ============================================================================
// Event rows
// ============================================================================

func TestNewEventRow_Mint(t *testing.T) {
	_, outputs := run(t, scenario())
	row := persistence.NewEventRow(outputs[3])

	if row.Sequence != 4 || row.EventType != "InstructionSubmitted" || row.Status != "applied" {
		t.Errorf("unexpected row header: %+v", row)
	}
	if row.Opcode == nil || *row.Opcode != "mint" {
		t.Errorf("expected opcode mint, got %v", row.Opcode)
	}
	if row.MintedMint == nil || *row.MintedMint != authority.String() {
		t.Errorf("expected minted_mint %s, got %v", authority, row.MintedMint)
	}
	if row.MintedAmount == nil || *row.MintedAmount != "1000" {
		t.Errorf("expected minted_amount 1000, got %v", row.MintedAmount)
	}
	if row.ErrorKind != nil {
		t.Errorf("applied row must not carry an error kind, got %q", *row.ErrorKind)
	}
	if len(row.StateHash) != 32 || len(row.PrevHash) != 32 {
		t.Error("hashes must be 32 bytes")
	}
}

func TestNewEventRow_Rejected(t *testing.T) {
	_, outputs := run(t, scenario())
	row := persistence.NewEventRow(outputs[5])

	if row.Status != "rejected" {
		t.Fatalf("expected rejected, got %s", row.Status)
	}
	if row.ErrorKind == nil || *row.ErrorKind != "InsufficientFunds" {
		t.Errorf("expected InsufficientFunds, got %v", row.ErrorKind)
	}
	if row.MintedMint != nil {
		t.Error("rejected row must not record minted supply")
	}
}

func TestNewEventRow_AccountCreated(t *testing.T) {
	_, outputs := run(t, scenario())
	row := persistence.NewEventRow(outputs[0])

	if row.Opcode != nil {
		t.Errorf("account creation has no opcode, got %q", *row.Opcode)
	}

	evt, err := event.UnmarshalPayload(event.EventTypeAccountCreated, row.Payload)
	if err != nil {
		t.Fatalf("payload does not decode: %v", err)
	}
	if evt.IdempotencyKey() != row.IdempotencyKey {
		t.Errorf("payload key %s differs from row key %s", evt.IdempotencyKey(), row.IdempotencyKey)
	}
}

// ============================================================================
// Snapshots
// ============================================================================

func TestSnapshotData_RestoresEngine(t *testing.T) {
	source, _ := run(t, scenario())

	data, err := json.Marshal(persistence.NewSnapshotData(source.CreateSnapshotState(), time.Now()))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var stored persistence.SnapshotData
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	state, err := stored.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	replica := newEngine(nil)
	replica.Restore(state)

	if replica.GetStateHash() != source.GetStateHash() {
		t.Error("restored hash differs")
	}
	if replica.LastSequence() != source.LastSequence() {
		t.Errorf("restored sequence %d, want %d", replica.LastSequence(), source.LastSequence())
	}
	if balance(t, replica, bob) != 200 || balance(t, replica, alice) != 800 {
		t.Errorf("restored balances alice=%d bob=%d", balance(t, replica, alice), balance(t, replica, bob))
	}
	if replica.TotalMinted().Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("restored supply %s, want 1000", replica.TotalMinted())
	}
	if err := replica.ValidateSupply(); err != nil {
		t.Errorf("restored supply invalid: %v", err)
	}
}

func TestSnapshotData_RejectsCorruptFields(t *testing.T) {
	source, _ := run(t, scenario())
	snap := persistence.NewSnapshotData(source.CreateSnapshotState(), time.Now())

	short := *snap
	short.StateHash = []byte{1, 2, 3}
	if _, err := short.State(); err == nil {
		t.Error("expected error for short state hash")
	}

	badSupply := *snap
	badSupply.Minted = map[string]string{authority.String(): "-5"}
	if _, err := badSupply.State(); err == nil {
		t.Error("expected error for negative supply")
	}

	badMint := *snap
	badMint.Minted = map[string]string{"not-base58!": "5"}
	if _, err := badMint.State(); err == nil {
		t.Error("expected error for invalid mint key")
	}
}

// ============================================================================
// Recovery
// ============================================================================

func TestRecover_FromGenesis(t *testing.T) {
	source, outputs := run(t, scenario())
	src := newMemorySource(outputs)

	replica := newEngine(nil)
	result, err := persistence.Recover(context.Background(), src, replica, zerolog.Nop())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}

	if result.SnapshotSequence != 0 || result.Replayed != int64(len(outputs)) {
		t.Errorf("unexpected result: %+v", result)
	}
	if replica.GetStateHash() != source.GetStateHash() {
		t.Error("recovered hash differs from source")
	}
	if len(src.verified) != 0 {
		t.Error("no snapshot should be marked verified")
	}
}

func TestRecover_FromSnapshot(t *testing.T) {
	events := scenario()
	persist := make(chan core.CoreOutput, len(events))
	source := newEngine(persist)

	var snap *persistence.SnapshotData
	for i, evt := range events {
		source.ProcessEvent(evt)
		if i == 3 {
			snap = persistence.NewSnapshotData(source.CreateSnapshotState(), time.Now())
		}
	}
	close(persist)
	var outputs []core.CoreOutput
	for out := range persist {
		outputs = append(outputs, out)
	}

	src := newMemorySource(outputs)
	src.snapshot = snap

	replica := newEngine(nil)
	result, err := persistence.Recover(context.Background(), src, replica, zerolog.Nop())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}

	if result.SnapshotSequence != 4 {
		t.Errorf("expected snapshot at 4, got %d", result.SnapshotSequence)
	}
	if result.Replayed != 3 {
		t.Errorf("expected 3 replayed events, got %d", result.Replayed)
	}
	if result.LastSequence != 7 {
		t.Errorf("expected last sequence 7, got %d", result.LastSequence)
	}
	if replica.GetStateHash() != source.GetStateHash() {
		t.Error("recovered hash differs from source")
	}
	if len(src.verified) != 1 || src.verified[0] != 4 {
		t.Errorf("expected snapshot 4 marked verified, got %v", src.verified)
	}
}

func TestRecover_SnapshotNotInLogFallsBackToGenesis(t *testing.T) {
	source, outputs := run(t, scenario())
	src := newMemorySource(outputs)

	snap := persistence.NewSnapshotData(source.CreateSnapshotState(), time.Now())
	snap.StateHash = make([]byte, 32)
	src.snapshot = snap

	replica := newEngine(nil)
	result, err := persistence.Recover(context.Background(), src, replica, zerolog.Nop())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if result.SnapshotSequence != 0 || result.Replayed != int64(len(outputs)) {
		t.Errorf("expected full replay, got %+v", result)
	}
	if replica.GetStateHash() != source.GetStateHash() {
		t.Error("recovered hash differs from source")
	}
}

func TestRecover_DetectsTamperedLog(t *testing.T) {
	_, outputs := run(t, scenario())
	src := newMemorySource(outputs)
	src.events[4].StateHash = make([]byte, 32)

	_, err := persistence.Recover(context.Background(), src, newEngine(nil), zerolog.Nop())
	if !errors.Is(err, core.ErrReplayDivergence) {
		t.Errorf("expected replay divergence, got %v", err)
	}
}

func TestRecover_DetectsSequenceGap(t *testing.T) {
	_, outputs := run(t, scenario())
	src := newMemorySource(outputs)
	src.events = append(src.events[:2], src.events[3:]...)

	_, err := persistence.Recover(context.Background(), src, newEngine(nil), zerolog.Nop())
	if !errors.Is(err, core.ErrReplayDivergence) {
		t.Errorf("expected replay divergence, got %v", err)
	}
}

func TestRecover_SupplyMismatch(t *testing.T) {
	_, outputs := run(t, scenario())
	src := newMemorySource(outputs)
	src.minted[authority] = big.NewInt(999)

	_, err := persistence.Recover(context.Background(), src, newEngine(nil), zerolog.Nop())
	if !errors.Is(err, persistence.ErrSupplyMismatch) {
		t.Errorf("expected supply mismatch, got %v", err)
	}

	src.minted = map[solana.PublicKey]*big.Int{
		authority: big.NewInt(1000),
		key(0x55): big.NewInt(1),
	}
	_, err = persistence.Recover(context.Background(), src, newEngine(nil), zerolog.Nop())
	if !errors.Is(err, persistence.ErrSupplyMismatch) {
		t.Errorf("expected supply mismatch for unknown mint, got %v", err)
	}
}

// ============================================================================
// Migrations
// ============================================================================

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := persistence.ListMigrationFiles(migrations.FS, ".up.sql")
	if err != nil {
		t.Fatalf("list up: %v", err)
	}
	downs, err := persistence.ListMigrationFiles(migrations.FS, ".down.sql")
	if err != nil {
		t.Fatalf("list down: %v", err)
	}

	if len(ups) == 0 || len(ups) != len(downs) {
		t.Fatalf("expected paired migrations, got %d up / %d down", len(ups), len(downs))
	}
	for i := range ups {
		if persistence.ExtractVersion(ups[i]) != persistence.ExtractVersion(downs[i]) {
			t.Errorf("migration %d: %s has no matching down file (%s)", i, ups[i], downs[i])
		}
		if i > 0 && ups[i-1] >= ups[i] {
			t.Errorf("migrations out of order: %s before %s", ups[i-1], ups[i])
		}
	}
	if persistence.ExtractVersion("000001_event_log.up.sql") != "000001" {
		t.Error("unexpected version parse")
	}
}
