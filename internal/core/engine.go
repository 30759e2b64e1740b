package core

import (
	"TokenLedger/internal/event"
	"TokenLedger/internal/ledger"
	"TokenLedger/internal/observability"
	"TokenLedger/internal/program"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
)

// MaxAccountSpace bounds the buffer size an AccountCreated event may request.
const MaxAccountSpace = 10 * 1024

var (
	ErrAccountExists           = errors.New("account already exists")
	ErrAccountNotFound         = errors.New("account not found")
	ErrInvalidAccountSpace     = errors.New("invalid account space")
	ErrExternalAccountModified = errors.New("instruction modified an account not owned by the program")
	ErrUnsupportedEvent        = errors.New("unsupported event")
	ErrReplayDivergence        = errors.New("replay diverged from event log")
)

// Engine is the single-threaded event processor. It owns every account
// buffer and runs the token program against copies, committing them only
// when the whole instruction succeeds.
type Engine struct {
	programID   solana.PublicKey
	sequence    int64
	hasher      *StateHasher
	accounts    map[solana.PublicKey]*Account
	supply      *ledger.SupplyTracker
	validator   *ledger.InvariantValidator
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// EngineConfig wires an Engine. Nil channels disable that output.
type EngineConfig struct {
	ProgramID      solana.PublicKey
	StartSequence  int64
	LRUCapacity    int
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
	DBChecker      DBIdempotencyChecker
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
}

// CoreOutput is everything downstream workers need for one sequenced event.
// Accounts are clones taken after commit.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Result   event.Result
	Accounts []*Account

	// Instruction opcode label; empty for account creation
	Opcode string

	// Set only for applied mints
	Minted *MintEntry
}

// MintEntry records supply added by one mint instruction.
type MintEntry struct {
	Mint   solana.PublicKey
	Amount uint64
}

// SnapshotState is the engine's full in-memory state at a sequence.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Accounts        []*Account
	Minted          map[solana.PublicKey]*big.Int
	IdempotencyKeys []string
}

func NewEngine(cfg EngineConfig) *Engine {
	supply := ledger.NewSupplyTracker()

	capacity := cfg.LRUCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}
	startSequence := cfg.StartSequence
	if startSequence <= 0 {
		startSequence = 1
	}

	return &Engine{
		programID:      cfg.ProgramID,
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		accounts:       make(map[solana.PublicKey]*Account),
		supply:         supply,
		validator:      ledger.NewInvariantValidator(supply),
		idempotency:    NewIdempotencyChecker(capacity, cfg.DBChecker, cfg.Metrics, cfg.Logger),
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
	}
}

// ProcessEvent is the main processing pipeline. The returned error is nil
// for applied and duplicate events; for rejected events it describes why.
// An error with a zero result sequence means the event was not processed
// at all (ErrDedupUnavailable, ErrUnsupportedEvent) and state is unchanged.
func (c *Engine) ProcessEvent(evt event.Event) (event.Result, error) {
	start := time.Now()

	output, err := c.apply(evt, false)
	if err != nil {
		return output.Result, err
	}
	if output.Result.Status == event.StatusDuplicate {
		return output.Result, nil
	}

	// Persistence: blocking send, the core stalls until the worker drains.
	if c.persistChan != nil {
		c.persistChan <- output
	}

	// Projections: non-blocking, rebuilt from the core on restart.
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.Inc()
			}
		}
	}

	c.recordMetrics(evt, output, time.Since(start))

	if output.Result.Status == event.StatusRejected {
		c.logger.Debug().
			Int64("sequence", output.Result.Sequence).
			Str("idempotency_key", output.Result.IdempotencyKey).
			Str("kind", output.Result.ErrorKind).
			Msg(output.Result.Message)
	}

	return output.Result, output.Result.Err()
}

// ReplayEvent re-applies a logged event during recovery without emitting
// outputs. The event must land on its logged sequence and reproduce its
// logged state hash.
func (c *Engine) ReplayEvent(evt event.Event, sequence int64, stateHash [32]byte) error {
	if sequence != c.sequence {
		return fmt.Errorf("%w: logged sequence %d, engine at %d", ErrReplayDivergence, sequence, c.sequence)
	}

	output, err := c.apply(evt, true)
	if err != nil {
		return err
	}
	if output.Result.Status == event.StatusDuplicate {
		return fmt.Errorf("%w: sequence %d is a duplicate of an earlier event", ErrReplayDivergence, sequence)
	}
	if output.Envelope.StateHash != stateHash {
		return fmt.Errorf("%w: state hash mismatch at sequence %d: logged %x, computed %x",
			ErrReplayDivergence, sequence, stateHash, output.Envelope.StateHash)
	}
	return nil
}

// apply sequences one event and mutates state. Rejected events still take
// a sequence and advance the hash chain so the log records them. Replayed
// events are already in the log, so only the in-memory tier is consulted.
func (c *Engine) apply(evt event.Event, replay bool) (CoreOutput, error) {
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()
	result := event.Result{EventType: eventType, IdempotencyKey: idempotencyKey}

	switch evt.(type) {
	case *event.AccountCreated, *event.InstructionSubmitted:
	default:
		return CoreOutput{Result: result}, fmt.Errorf("%w: %T", ErrUnsupportedEvent, evt)
	}

	payload, err := event.MarshalPayload(evt)
	if err != nil {
		return CoreOutput{Result: result}, err
	}

	var duplicate bool
	if replay {
		duplicate = c.idempotency.SeenLocally(eventType, idempotencyKey)
	} else {
		duplicate, err = c.idempotency.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			return CoreOutput{Result: result}, err
		}
	}
	if duplicate {
		result.Status = event.StatusDuplicate
		return CoreOutput{Result: result}, nil
	}

	seq := c.sequence
	var output CoreOutput
	var written []*Account
	var applyErr error

	switch e := evt.(type) {
	case *event.AccountCreated:
		written, applyErr = c.createAccount(e, seq)
	case *event.InstructionSubmitted:
		output.Opcode = opcodeLabel(e.Data)
		written, output.Minted, applyErr = c.executeInstruction(e, seq)
	}

	status := digestApplied
	result.Status = event.StatusApplied
	if applyErr != nil {
		status = digestRejected
		result.Status = event.StatusRejected
		result.ErrorKind = ErrorKind(applyErr)
		result.Message = applyErr.Error()
	}

	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(seq, computeStateDigest(status, written))

	result.Sequence = seq
	result.StateHash = hex.EncodeToString(stateHash[:])

	output.Envelope = &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Timestamp:      evt.OccurredAt(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	output.Result = result
	output.Accounts = make([]*Account, len(written))
	for i, acc := range written {
		output.Accounts[i] = acc.Clone()
	}

	c.sequence++
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	return output, nil
}

func (c *Engine) createAccount(evt *event.AccountCreated, seq int64) ([]*Account, error) {
	if _, exists := c.accounts[evt.Key]; exists {
		return nil, fmt.Errorf("account %s: %w", evt.Key, ErrAccountExists)
	}

	space := evt.Space
	if space == 0 {
		space = program.RecordLen
	}
	if space < 0 || space > MaxAccountSpace {
		return nil, fmt.Errorf("space %d outside [1, %d]: %w", evt.Space, MaxAccountSpace, ErrInvalidAccountSpace)
	}

	owner := evt.Owner
	if owner.IsZero() {
		owner = c.programID
	}

	acc := &Account{
		Key:          evt.Key,
		Owner:        owner,
		Data:         make([]byte, space),
		LastSequence: seq,
	}
	c.accounts[evt.Key] = acc

	return []*Account{acc}, nil
}

// executeInstruction runs the program against copies of the referenced
// buffers. A key listed more than once shares a single copy.
func (c *Engine) executeInstruction(evt *event.InstructionSubmitted, seq int64) ([]*Account, *MintEntry, error) {
	working := make(map[solana.PublicKey][]byte, len(evt.Accounts))
	distinct := make([]*Account, 0, len(evt.Accounts))
	infos := make([]program.AccountInfo, len(evt.Accounts))

	for i, meta := range evt.Accounts {
		acc, ok := c.accounts[meta.Key]
		if !ok {
			return nil, nil, fmt.Errorf("account %s: %w", meta.Key, ErrAccountNotFound)
		}

		buf, seen := working[meta.Key]
		if !seen {
			buf = make([]byte, len(acc.Data))
			copy(buf, acc.Data)
			working[meta.Key] = buf
			distinct = append(distinct, acc)
		}

		infos[i] = program.AccountInfo{
			Key:      meta.Key,
			Owner:    acc.Owner,
			IsSigner: meta.IsSigner,
			Data:     buf,
		}
	}

	if err := program.Process(c.programID, infos, evt.Data); err != nil {
		return nil, nil, err
	}

	// Process already accepted the payload
	ix, _ := program.UnpackInstruction(evt.Data)

	var modified []*Account
	before := make([]uint64, 0, len(distinct))
	after := make([]uint64, 0, len(distinct))

	for _, acc := range distinct {
		buf := working[acc.Key]
		before = append(before, ledger.TokenAmount(c.programID, acc.Owner, acc.Data))
		after = append(after, ledger.TokenAmount(c.programID, acc.Owner, buf))

		if bytes.Equal(buf, acc.Data) {
			continue
		}
		if acc.Owner != c.programID {
			return nil, nil, fmt.Errorf("account %s owned by %s: %w", acc.Key, acc.Owner, ErrExternalAccountModified)
		}
		modified = append(modified, acc)
	}

	if err := c.validator.ValidateInstructionDelta(ix, before, after); err != nil {
		panic(fmt.Sprintf("FATAL: supply invariant violated at sequence %d: %v", seq, err))
	}

	for _, acc := range modified {
		acc.Data = working[acc.Key]
		acc.LastSequence = seq
	}

	var minted *MintEntry
	if ix.Op == program.OpMint {
		mint := evt.Accounts[0].Key
		c.supply.RecordMint(mint, ix.Amount)
		minted = &MintEntry{Mint: mint, Amount: ix.Amount}
	}

	return modified, minted, nil
}

func (c *Engine) recordMetrics(evt event.Event, output CoreOutput, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}

	c.metrics.CoreEventDuration.WithLabelValues(output.Result.EventType).Observe(elapsed.Seconds())
	c.metrics.CoreSequence.Set(float64(output.Result.Sequence))
	c.metrics.CoreAccounts.Set(float64(len(c.accounts)))

	_, isCreate := evt.(*event.AccountCreated)
	switch {
	case output.Result.Status == event.StatusRejected:
		label := output.Opcode
		if isCreate {
			label = "create_account"
		}
		c.metrics.CoreInstructionsRejected.WithLabelValues(label, output.Result.ErrorKind).Inc()
	case isCreate:
		c.metrics.CoreAccountsCreated.Inc()
	default:
		c.metrics.CoreInstructionsApplied.WithLabelValues(output.Opcode).Inc()
		if output.Minted != nil {
			c.metrics.CoreTokensMinted.Add(float64(output.Minted.Amount))
		}
	}
}

// ErrorKind names the failure class of a rejected event.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAccountNotFound):
		return "AccountNotFound"
	case errors.Is(err, ErrAccountExists):
		return "AccountExists"
	case errors.Is(err, ErrInvalidAccountSpace):
		return "InvalidAccountSpace"
	case errors.Is(err, ErrExternalAccountModified):
		return "ExternalAccountModified"
	}
	return program.KindOf(err).String()
}

func opcodeLabel(data []byte) string {
	if len(data) == 0 {
		return program.Opcode(0xff).String()
	}
	return program.Opcode(data[0]).String()
}

// --- Recovery & Introspection ---

// Restore loads a snapshot into the engine. The next event is assigned
// snap.Sequence + 1.
func (c *Engine) Restore(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)

	c.accounts = make(map[solana.PublicKey]*Account, len(snap.Accounts))
	for _, acc := range snap.Accounts {
		c.accounts[acc.Key] = acc.Clone()
	}

	c.supply.Restore(snap.Minted)
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
}

// CreateSnapshotState captures the current in-memory state.
func (c *Engine) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Accounts:        c.Accounts(),
		Minted:          c.MintedSupply(),
		IdempotencyKeys: c.idempotency.lru.Keys(),
	}
}

// ValidateSupply checks that token balances add up to everything minted.
func (c *Engine) ValidateSupply() error {
	balances := make([]uint64, 0, len(c.accounts))
	for _, acc := range c.accounts {
		balances = append(balances, ledger.TokenAmount(c.programID, acc.Owner, acc.Data))
	}
	return c.validator.ValidateGlobalSupply(balances)
}

// MintedSupply returns a copy of the supply minted per mint.
func (c *Engine) MintedSupply() map[solana.PublicKey]*big.Int {
	minted := make(map[solana.PublicKey]*big.Int)
	for _, mint := range c.supply.Mints() {
		minted[mint] = c.supply.Minted(mint)
	}
	return minted
}

// TotalMinted returns the supply minted across all mints.
func (c *Engine) TotalMinted() *big.Int {
	return c.supply.TotalMinted()
}

// Account returns a copy of the account stored under key.
func (c *Engine) Account(key solana.PublicKey) (*Account, bool) {
	acc, ok := c.accounts[key]
	if !ok {
		return nil, false
	}
	return acc.Clone(), true
}

// Accounts returns copies of all accounts in key order.
func (c *Engine) Accounts() []*Account {
	out := make([]*Account, 0, len(c.accounts))
	for _, acc := range c.accounts {
		out = append(out, acc.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return lessKey(out[i].Key, out[j].Key)
	})
	return out
}

// ProgramID returns the id of the program that owns token accounts.
func (c *Engine) ProgramID() solana.PublicKey {
	return c.programID
}

// LastSequence returns the sequence of the most recently processed event.
func (c *Engine) LastSequence() int64 {
	return c.sequence - 1
}

// GetStateHash returns the current state hash (chain tip).
func (c *Engine) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}
