package ingestion_test

import (
	"TokenLedger/internal/event"
	"TokenLedger/internal/ingestion"
	"TokenLedger/internal/program"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func newParser() *ingestion.Parser {
	return ingestion.NewParser(nil, zerolog.Nop())
}

// signedTransfer builds a transfer payload authorized by signerKey.
func signedTransfer(t *testing.T, signerKey solana.PrivateKey, src, dst solana.PublicKey) ingestion.InstructionJSON {
	t.Helper()
	id := uuid.New()
	data := program.TransferInstruction(25)
	authority := signerKey.PublicKey()

	msg := ingestion.SigningMessage(id, data, []solana.PublicKey{src, dst, authority})
	sig, err := signerKey.Sign(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	return ingestion.InstructionJSON{
		ID:   id.String(),
		Data: base64.StdEncoding.EncodeToString(data),
		Accounts: []ingestion.AccountMetaJSON{
			{Pubkey: src.String()},
			{Pubkey: dst.String()},
			{Pubkey: authority.String(), Signer: true},
		},
		Signatures:  map[string]string{authority.String(): sig.String()},
		TimestampUs: 1700000000000000,
	}
}

func mustKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	k, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

func TestParseInstruction_VerifiedSigner(t *testing.T) {
	signerKey := mustKey(t)
	src, dst := mustKey(t).PublicKey(), mustKey(t).PublicKey()

	evt, err := newParser().ParseRawEvent(rawFromJSON(t, signedTransfer(t, signerKey, src, dst)), "InstructionSubmitted")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ix, ok := evt.(*event.InstructionSubmitted)
	if !ok {
		t.Fatalf("expected *event.InstructionSubmitted, got %T", evt)
	}
	if len(ix.Accounts) != 3 {
		t.Fatalf("accounts: got %d, want 3", len(ix.Accounts))
	}
	if !ix.Accounts[2].IsSigner {
		t.Error("authority with a valid signature should be a signer")
	}
	if ix.Accounts[0].IsSigner || ix.Accounts[1].IsSigner {
		t.Error("unsigned accounts must not be signers")
	}
	if ix.Accounts[0].Key != src || ix.Accounts[1].Key != dst {
		t.Error("account order not preserved")
	}
	if !ix.Timestamp.Equal(time.UnixMicro(1700000000000000)) {
		t.Errorf("timestamp: got %v", ix.Timestamp)
	}
}

func TestParseInstruction_TamperedDataDropsSigner(t *testing.T) {
	signerKey := mustKey(t)
	payload := signedTransfer(t, signerKey, mustKey(t).PublicKey(), mustKey(t).PublicKey())
	payload.Data = base64.StdEncoding.EncodeToString(program.TransferInstruction(1_000_000))

	evt, err := newParser().ParseRawEvent(rawFromJSON(t, payload), "InstructionSubmitted")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if evt.(*event.InstructionSubmitted).Accounts[2].IsSigner {
		t.Error("signature over different data must not grant signer")
	}
}

func TestParseInstruction_SignerFlagWithoutSignature(t *testing.T) {
	payload := signedTransfer(t, mustKey(t), mustKey(t).PublicKey(), mustKey(t).PublicKey())
	payload.Signatures = nil

	evt, err := newParser().ParseRawEvent(rawFromJSON(t, payload), "InstructionSubmitted")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if evt.(*event.InstructionSubmitted).Accounts[2].IsSigner {
		t.Error("claimed signer without signature must not be trusted")
	}
}

func TestParseInstruction_SignatureFromWrongKey(t *testing.T) {
	payload := signedTransfer(t, mustKey(t), mustKey(t).PublicKey(), mustKey(t).PublicKey())
	impostor := mustKey(t)
	var sig string
	for _, s := range payload.Signatures {
		sig = s
	}
	payload.Signatures = map[string]string{impostor.PublicKey().String(): sig}

	evt, err := newParser().ParseRawEvent(rawFromJSON(t, payload), "InstructionSubmitted")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	for i, m := range evt.(*event.InstructionSubmitted).Accounts {
		if m.IsSigner {
			t.Errorf("accounts[%d] should not be a signer", i)
		}
	}
}

func TestParseInstruction_Rejects(t *testing.T) {
	valid := signedTransfer(t, mustKey(t), mustKey(t).PublicKey(), mustKey(t).PublicKey())

	badID := valid
	badID.ID = "not-a-uuid"

	badData := valid
	badData.Data = "%%%"

	badKey := valid
	badKey.Accounts = []ingestion.AccountMetaJSON{{Pubkey: "0OIl"}}

	noAccounts := valid
	noAccounts.Accounts = nil

	cases := map[string]ingestion.InstructionJSON{
		"bad id":      badID,
		"bad data":    badData,
		"bad key":     badKey,
		"no accounts": noAccounts,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := newParser().ParseRawEvent(rawFromJSON(t, payload), "InstructionSubmitted"); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestParseAccountCreated(t *testing.T) {
	pub := mustKey(t).PublicKey()
	owner := mustKey(t).PublicKey()
	requestID := uuid.New()

	payload := map[string]interface{}{
		"request_id":   requestID.String(),
		"pubkey":       pub.String(),
		"owner":        owner.String(),
		"space":        128,
		"timestamp_us": int64(1700000000000000),
	}

	evt, err := newParser().ParseRawEvent(rawFromJSON(t, payload), "AccountCreated")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ac := evt.(*event.AccountCreated)
	if ac.Key != pub || ac.Owner != owner || ac.Space != 128 || ac.RequestID != requestID {
		t.Errorf("unexpected event: %+v", ac)
	}
}

func TestParseAccountCreated_DefaultOwner(t *testing.T) {
	payload := map[string]interface{}{
		"request_id": uuid.New().String(),
		"pubkey":     mustKey(t).PublicKey().String(),
	}

	evt, err := newParser().ParseRawEvent(rawFromJSON(t, payload), "AccountCreated")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	ac := evt.(*event.AccountCreated)
	if !ac.Owner.IsZero() || ac.Space != 0 {
		t.Errorf("owner and space should be left for the core to default: %+v", ac)
	}
	if ac.Timestamp.IsZero() {
		t.Error("missing timestamp should be stamped at receive time")
	}
}

func TestParseUnknownEventType(t *testing.T) {
	raw := rawFromJSON(t, map[string]string{"foo": "bar"})
	if _, err := newParser().ParseRawEvent(raw, "TradeFill"); err == nil {
		t.Error("expected error for unknown event type")
	}
}

func TestParseInvalidJSON(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte("{invalid json")}
	if _, err := newParser().ParseRawEvent(raw, "InstructionSubmitted"); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestResolveEventType(t *testing.T) {
	subjects := ingestion.DefaultSubjects()
	cases := map[string]string{
		"token.instructions.mint":     "InstructionSubmitted",
		"token.accounts.create.alice": "AccountCreated",
		"token.accounts.delete.alice": "",
		"perp.trades.BTC":             "",
	}
	for subject, want := range cases {
		if got := ingestion.ResolveEventType(subject, subjects); got != want {
			t.Errorf("ResolveEventType(%q) = %q, want %q", subject, got, want)
		}
	}
}

// ============================================================================
// Ingestion loop & submission service
// ============================================================================

func TestRunIngestionLoop_CoreSettlesQueuedMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rawChan := make(chan ingestion.RawEvent, 2)
	submitChan := make(chan ingestion.Submission, 2)
	go ingestion.RunIngestionLoop(ctx, rawChan, newParser(), submitChan, nil, zerolog.Nop())

	acked := make(chan string, 2)
	good := rawFromJSON(t, map[string]interface{}{
		"request_id": uuid.New().String(),
		"pubkey":     mustKey(t).PublicKey().String(),
	})
	good.Subject = "token.accounts.create.x"
	good.AckFunc = func() { acked <- "good" }

	bad := ingestion.RawEvent{Subject: "token.instructions.x", Data: []byte("nope"), AckFunc: func() { acked <- "bad" }}

	rawChan <- bad
	rawChan <- good

	var sub ingestion.Submission
	select {
	case sub = <-submitChan:
		if _, ok := sub.Event.(*event.AccountCreated); !ok {
			t.Errorf("queued %T", sub.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never queued")
	}

	// Unparseable messages are acked by the loop itself
	select {
	case name := <-acked:
		if name != "bad" {
			t.Fatalf("%s acked before the core answered", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("missing ack for unparseable message")
	}
	select {
	case name := <-acked:
		t.Fatalf("%s acked before the core answered", name)
	default:
	}

	sub.Respond(event.Result{Sequence: 1, Status: event.StatusApplied}, nil)
	select {
	case name := <-acked:
		if name != "good" {
			t.Errorf("got ack for %s", name)
		}
	default:
		t.Error("queued message not acked after the core answered")
	}
}

func TestSubmission_RespondWithErrorNaks(t *testing.T) {
	var acks, naks int
	sub := ingestion.Submission{
		Reply: make(chan ingestion.Reply, 1),
		Ack:   func() { acks++ },
		Nak:   func() { naks++ },
	}

	unavailable := errors.New("lookup failed")
	sub.Respond(event.Result{}, unavailable)

	if acks != 0 || naks != 1 {
		t.Errorf("acks=%d naks=%d, want 0/1", acks, naks)
	}
	r := <-sub.Reply
	if r.Err != unavailable {
		t.Errorf("reply err: got %v", r.Err)
	}

	// A second response must not block on the full reply channel
	sub.Respond(event.Result{Sequence: 3}, nil)
	if acks != 1 {
		t.Errorf("acks=%d, want 1", acks)
	}
}

func TestSubmissionService_WaitsForResult(t *testing.T) {
	submitChan := make(chan ingestion.Submission, 1)
	done := make(chan struct{})
	svc := ingestion.NewSubmissionService(submitChan, done)

	go func() {
		sub := <-submitChan
		sub.Respond(event.Result{Sequence: 9, Status: event.StatusApplied}, nil)
	}()

	res, err := svc.Submit(context.Background(), &event.AccountCreated{RequestID: uuid.New()})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Sequence != 9 || res.Status != event.StatusApplied {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestSubmissionService_ReturnsCoreError(t *testing.T) {
	submitChan := make(chan ingestion.Submission, 1)
	svc := ingestion.NewSubmissionService(submitChan, make(chan struct{}))

	unavailable := errors.New("lookup failed")
	go func() {
		sub := <-submitChan
		sub.Respond(event.Result{}, unavailable)
	}()

	if _, err := svc.Submit(context.Background(), &event.AccountCreated{RequestID: uuid.New()}); err != unavailable {
		t.Errorf("got %v, want the core's error", err)
	}
}

func TestSubmissionService_ClosedQueue(t *testing.T) {
	done := make(chan struct{})
	close(done)
	svc := ingestion.NewSubmissionService(make(chan ingestion.Submission), done)

	if _, err := svc.Submit(context.Background(), &event.AccountCreated{}); err != ingestion.ErrQueueClosed {
		t.Errorf("got %v, want ErrQueueClosed", err)
	}
}
