package query

import (
	"TokenLedger/internal/core"
	"TokenLedger/internal/event"
	"TokenLedger/internal/persistence"
	"TokenLedger/internal/program"
	"TokenLedger/internal/projection"
	"TokenLedger/internal/testutil"
	"TokenLedger/migrations"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestClampLimit(t *testing.T) {
	cases := map[int]int{
		-1:          DefaultPageSize,
		0:           DefaultPageSize,
		5:           5,
		MaxPageSize: MaxPageSize,
		5000:        MaxPageSize,
	}
	for in, want := range cases {
		if got := clampLimit(in); got != want {
			t.Errorf("clampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

func key(b byte) solana.PublicKey {
	var k solana.PublicKey
	k[0] = b
	k[31] = b
	return k
}

// TestIntegration_Queries persists and projects a short history, then reads
// it back through every query.
func TestIntegration_Queries(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := persistence.NewMigrator(db, migrations.FS, zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, table := range []string{"ledger.events", "projections.token_accounts", "projections.watermark"} {
		db.Exec("TRUNCATE " + table)
	}

	programID, authority := key(0x70), key(0xaa)
	alice, bob, carol := key(0x01), key(0x02), key(0x03)

	persistChan := make(chan core.CoreOutput, 16)
	projChan := make(chan core.CoreOutput, 16)
	engine := core.NewEngine(core.EngineConfig{
		ProgramID:      programID,
		PersistChan:    persistChan,
		ProjectionChan: projChan,
		Logger:         zerolog.Nop(),
	})

	transferID := uuid.New()
	for _, evt := range []event.Event{
		&event.AccountCreated{RequestID: uuid.New(), Key: authority},
		&event.AccountCreated{RequestID: uuid.New(), Key: alice},
		&event.AccountCreated{RequestID: uuid.New(), Key: bob},
		&event.AccountCreated{RequestID: uuid.New(), Key: carol},
		&event.InstructionSubmitted{ID: uuid.New(), Data: program.MintInstruction(500),
			Accounts: []event.AccountMeta{{Key: authority}, {Key: alice}}},
		&event.InstructionSubmitted{ID: uuid.New(), Data: program.MintInstruction(300),
			Accounts: []event.AccountMeta{{Key: authority}, {Key: carol}}},
		&event.InstructionSubmitted{ID: transferID, Data: program.TransferInstruction(100),
			Accounts: []event.AccountMeta{{Key: alice}, {Key: bob}, {Key: authority, IsSigner: true}}},
	} {
		engine.ProcessEvent(evt)
	}
	close(persistChan)
	close(projChan)

	if err := persistence.NewPersistenceWorker(db, persistChan, 100, 10*time.Millisecond, nil, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := projection.NewProjectionWorker(db, programID, projChan, nil, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("project: %v", err)
	}

	qs := NewQueryService(db)

	acc, err := qs.GetAccount(ctx, alice)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acc.Amount != "400" || acc.AsOfSequence != 7 || acc.Holder == nil || *acc.Holder != authority.String() {
		t.Errorf("unexpected account: %+v", acc)
	}

	if _, err := qs.GetAccount(ctx, key(0x44)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	page, err := qs.ListByHolder(ctx, authority, 1, "")
	if err != nil {
		t.Fatalf("list by holder: %v", err)
	}
	if len(page.Accounts) != 1 || page.NextCursor == "" {
		t.Fatalf("expected one account and a cursor, got %+v", page)
	}
	next, err := qs.ListByHolder(ctx, authority, 1, page.NextCursor)
	if err != nil {
		t.Fatalf("list by holder page 2: %v", err)
	}
	if len(next.Accounts) != 1 || next.NextCursor != "" || next.Accounts[0].Pubkey == page.Accounts[0].Pubkey {
		t.Errorf("unexpected second page: %+v", next)
	}

	byMint, err := qs.ListByMint(ctx, authority, 0, "")
	if err != nil {
		t.Fatalf("list by mint: %v", err)
	}
	if len(byMint.Accounts) != 2 {
		t.Errorf("expected 2 accounts of mint, got %d", len(byMint.Accounts))
	}

	bal, err := qs.GetHolderBalance(ctx, authority, authority)
	if err != nil {
		t.Fatalf("holder balance: %v", err)
	}
	// bob's balance is held in an uninitialized record, so it has no holder
	if bal.Amount != "700" || bal.Accounts != 2 {
		t.Errorf("unexpected holder balance: %+v", bal)
	}

	evt, err := qs.GetEvent(ctx, "InstructionSubmitted", transferID.String())
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if evt.Sequence != 7 || evt.Status != "applied" || evt.Opcode == nil || *evt.Opcode != "transfer" {
		t.Errorf("unexpected event: %+v", evt)
	}

	report, err := qs.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.IsHealthy || !report.SupplyChecked || report.MintedSupply != "800" {
		t.Errorf("unexpected integrity report: %+v", report)
	}

	// A projection that skipped a sequence cannot vouch for supply
	db.Exec(`UPDATE projections.token_accounts SET amount = 1 WHERE pubkey = $1`, alice.String())
	db.Exec(`UPDATE projections.watermark SET contiguous = FALSE WHERE projection_name = $1`, projection.WatermarkName)
	report, err = qs.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify after gap: %v", err)
	}
	if !report.IsHealthy || report.SupplyChecked || report.MintedSupply != "" {
		t.Errorf("supply compared on a non-contiguous projection: %+v", report)
	}

	// The first event must chain from the genesis hash
	if _, err := db.Exec(`UPDATE ledger.events SET prev_hash = $1 WHERE sequence = 1`, make([]byte, 32)); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	report, err = qs.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify after tamper: %v", err)
	}
	if report.IsHealthy || len(report.HashChainBreaks) != 1 || report.HashChainBreaks[0] != 1 {
		t.Errorf("expected a break at sequence 1, got %+v", report)
	}
}
