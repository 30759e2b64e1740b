package ingestion

import (
	"TokenLedger/internal/event"
	"TokenLedger/internal/observability"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Parser converts inbound JSON into typed events. Signer flags on
// instruction accounts are granted only when the submitter attaches a valid
// ed25519 signature for that key over SigningMessage.
type Parser struct {
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewParser(metrics *observability.Metrics, logger zerolog.Logger) *Parser {
	return &Parser{metrics: metrics, logger: logger}
}

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a typed event.Event.
func (p *Parser) ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch event.ParseEventType(eventType) {
	case event.EventTypeInstructionSubmitted:
		return p.parseInstruction(raw.Data)
	case event.EventTypeAccountCreated:
		return parseAccountCreated(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Keys and signatures are base58, instruction data is standard base64.

// InstructionJSON is the wire form of a submitted instruction.
type InstructionJSON struct {
	ID          string            `json:"id"`
	Data        string            `json:"data"`
	Accounts    []AccountMetaJSON `json:"accounts"`
	Signatures  map[string]string `json:"signatures,omitempty"`
	TimestampUs int64             `json:"timestamp_us"`
}

type AccountMetaJSON struct {
	Pubkey string `json:"pubkey"`
	Signer bool   `json:"signer"`
}

// AccountCreateJSON is the wire form of an account allocation request.
type AccountCreateJSON struct {
	RequestID   string `json:"request_id"`
	Pubkey      string `json:"pubkey"`
	Owner       string `json:"owner,omitempty"`
	Space       int    `json:"space,omitempty"`
	TimestampUs int64  `json:"timestamp_us"`
}

// SigningMessage is what each signer signs: SHA-256(id || data || keys...).
func SigningMessage(id uuid.UUID, data []byte, keys []solana.PublicKey) []byte {
	h := sha256.New()
	h.Write(id[:])
	h.Write(data)
	for _, k := range keys {
		h.Write(k[:])
	}
	return h.Sum(nil)
}

// ParseInstructionJSON parses an instruction payload.
func (p *Parser) ParseInstructionJSON(j InstructionJSON) (*event.InstructionSubmitted, error) {
	id, err := uuid.Parse(j.ID)
	if err != nil {
		return nil, fmt.Errorf("parse id: %w", err)
	}

	data, err := base64.StdEncoding.DecodeString(j.Data)
	if err != nil {
		return nil, fmt.Errorf("parse data: %w", err)
	}

	if len(j.Accounts) == 0 {
		return nil, fmt.Errorf("instruction %s references no accounts", id)
	}

	keys := make([]solana.PublicKey, len(j.Accounts))
	for i, m := range j.Accounts {
		keys[i], err = solana.PublicKeyFromBase58(m.Pubkey)
		if err != nil {
			return nil, fmt.Errorf("parse accounts[%d]: %w", i, err)
		}
	}

	verified := p.verifySignatures(id, data, keys, j.Signatures)

	metas := make([]event.AccountMeta, len(keys))
	for i, k := range keys {
		metas[i] = event.AccountMeta{
			Key:      k,
			IsSigner: j.Accounts[i].Signer && verified[k],
		}
	}

	return &event.InstructionSubmitted{
		ID:        id,
		Data:      data,
		Accounts:  metas,
		Timestamp: parseTimestamp(j.TimestampUs),
	}, nil
}

func (p *Parser) parseInstruction(raw []byte) (*event.InstructionSubmitted, error) {
	var j InstructionJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("parse InstructionSubmitted: %w", err)
	}
	return p.ParseInstructionJSON(j)
}

// verifySignatures returns the keys whose signature checks out. Bad
// signatures are dropped, not fatal: the program decides whether the
// missing signer matters.
func (p *Parser) verifySignatures(
	id uuid.UUID,
	data []byte,
	keys []solana.PublicKey,
	signatures map[string]string,
) map[solana.PublicKey]bool {
	verified := make(map[solana.PublicKey]bool, len(signatures))
	if len(signatures) == 0 {
		return verified
	}

	msg := SigningMessage(id, data, keys)
	for signer, sigStr := range signatures {
		pub, err := solana.PublicKeyFromBase58(signer)
		if err != nil {
			p.rejectSignature(id, signer, "bad signer key")
			continue
		}
		sig, err := solana.SignatureFromBase58(sigStr)
		if err != nil {
			p.rejectSignature(id, signer, "bad signature encoding")
			continue
		}
		if !sig.Verify(pub, msg) {
			p.rejectSignature(id, signer, "signature does not verify")
			continue
		}
		verified[pub] = true
	}
	return verified
}

func (p *Parser) rejectSignature(id uuid.UUID, signer, reason string) {
	p.logger.Warn().Str("instruction_id", id.String()).Str("signer", signer).Msg(reason)
	if p.metrics != nil {
		p.metrics.SignatureRejected.Inc()
	}
}

// ParseAccountCreateJSON parses an account allocation payload.
func ParseAccountCreateJSON(j AccountCreateJSON) (*event.AccountCreated, error) {
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	key, err := solana.PublicKeyFromBase58(j.Pubkey)
	if err != nil {
		return nil, fmt.Errorf("parse pubkey: %w", err)
	}

	var owner solana.PublicKey
	if j.Owner != "" {
		owner, err = solana.PublicKeyFromBase58(j.Owner)
		if err != nil {
			return nil, fmt.Errorf("parse owner: %w", err)
		}
	}

	return &event.AccountCreated{
		RequestID: requestID,
		Key:       key,
		Owner:     owner,
		Space:     j.Space,
		Timestamp: parseTimestamp(j.TimestampUs),
	}, nil
}

func parseAccountCreated(raw []byte) (*event.AccountCreated, error) {
	var j AccountCreateJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("parse AccountCreated: %w", err)
	}
	return ParseAccountCreateJSON(j)
}

// parseTimestamp stamps events that arrive without a timestamp with the
// receive time.
func parseTimestamp(us int64) time.Time {
	if us == 0 {
		return time.Now().UTC().Truncate(time.Microsecond)
	}
	return time.UnixMicro(us).UTC()
}
