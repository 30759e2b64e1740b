package server

import (
	"TokenLedger/internal/core"
	"TokenLedger/internal/event"
	"TokenLedger/internal/ingestion"
	"TokenLedger/internal/observability"
	"TokenLedger/internal/query"
	"context"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tokenledger.v1.LedgerService"

// --- Messages ---

type SubmitRequest = ingestion.InstructionJSON

type CreateAccountRequest = ingestion.AccountCreateJSON

type GetAccountRequest struct {
	Pubkey string `json:"pubkey"`
}

// ListAccountsRequest filters by exactly one of Holder or Mint.
type ListAccountsRequest struct {
	Holder   string `json:"holder,omitempty"`
	Mint     string `json:"mint,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
	Cursor   string `json:"cursor,omitempty"`
}

type GetHolderBalanceRequest struct {
	Holder string `json:"holder"`
	Mint   string `json:"mint"`
}

type GetEventRequest struct {
	EventType      string `json:"event_type"`
	IdempotencyKey string `json:"idempotency_key"`
}

type VerifyIntegrityRequest struct{}

// --- Service ---

// LedgerServiceServer is the server API for tokenledger.v1.LedgerService.
type LedgerServiceServer interface {
	Submit(context.Context, *SubmitRequest) (*event.Result, error)
	CreateAccount(context.Context, *CreateAccountRequest) (*event.Result, error)
	GetAccount(context.Context, *GetAccountRequest) (*query.AccountResponse, error)
	ListAccounts(context.Context, *ListAccountsRequest) (*query.AccountList, error)
	GetHolderBalance(context.Context, *GetHolderBalanceRequest) (*query.HolderBalance, error)
	GetEvent(context.Context, *GetEventRequest) (*query.EventResponse, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
}

// Submitter hands parsed events to the core and waits for the verdict.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) (event.Result, error)
}

// Queries is the read side backed by projections and the event log.
type Queries interface {
	GetAccount(ctx context.Context, pubkey solana.PublicKey) (*query.AccountResponse, error)
	ListByHolder(ctx context.Context, holder solana.PublicKey, limit int, cursor string) (*query.AccountList, error)
	ListByMint(ctx context.Context, mint solana.PublicKey, limit int, cursor string) (*query.AccountList, error)
	GetHolderBalance(ctx context.Context, holder, mint solana.PublicKey) (*query.HolderBalance, error)
	GetEvent(ctx context.Context, eventType, idempotencyKey string) (*query.EventResponse, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

type ledgerService struct {
	submitter Submitter
	queries   Queries
	parser    *ingestion.Parser
	metrics   *observability.Metrics
}

func (s *ledgerService) Submit(ctx context.Context, req *SubmitRequest) (resp *event.Result, err error) {
	defer s.observe("submit", time.Now(), &err)

	evt, err := s.parser.ParseInstructionJSON(*req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "parse instruction: %v", err)
	}
	return s.submit(ctx, evt)
}

func (s *ledgerService) CreateAccount(ctx context.Context, req *CreateAccountRequest) (resp *event.Result, err error) {
	defer s.observe("create_account", time.Now(), &err)

	evt, err := ingestion.ParseAccountCreateJSON(*req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "parse account: %v", err)
	}
	return s.submit(ctx, evt)
}

// submit returns rejected and duplicate results as responses, not errors.
func (s *ledgerService) submit(ctx context.Context, evt event.Event) (*event.Result, error) {
	res, err := s.submitter.Submit(ctx, evt)
	if err != nil {
		return nil, toStatus(err)
	}
	return &res, nil
}

func (s *ledgerService) GetAccount(ctx context.Context, req *GetAccountRequest) (resp *query.AccountResponse, err error) {
	defer s.observe("get_account", time.Now(), &err)

	pubkey, err := parseKey("pubkey", req.Pubkey)
	if err != nil {
		return nil, err
	}
	acc, err := s.queries.GetAccount(ctx, pubkey)
	if err != nil {
		return nil, toStatus(err)
	}
	return acc, nil
}

func (s *ledgerService) ListAccounts(ctx context.Context, req *ListAccountsRequest) (resp *query.AccountList, err error) {
	defer s.observe("list_accounts", time.Now(), &err)

	if (req.Holder == "") == (req.Mint == "") {
		return nil, status.Error(codes.InvalidArgument, "exactly one of holder or mint is required")
	}

	var list *query.AccountList
	if req.Holder != "" {
		holder, err := parseKey("holder", req.Holder)
		if err != nil {
			return nil, err
		}
		list, err = s.queries.ListByHolder(ctx, holder, req.PageSize, req.Cursor)
		if err != nil {
			return nil, toStatus(err)
		}
	} else {
		mint, err := parseKey("mint", req.Mint)
		if err != nil {
			return nil, err
		}
		list, err = s.queries.ListByMint(ctx, mint, req.PageSize, req.Cursor)
		if err != nil {
			return nil, toStatus(err)
		}
	}
	return list, nil
}

func (s *ledgerService) GetHolderBalance(ctx context.Context, req *GetHolderBalanceRequest) (resp *query.HolderBalance, err error) {
	defer s.observe("get_holder_balance", time.Now(), &err)

	holder, err := parseKey("holder", req.Holder)
	if err != nil {
		return nil, err
	}
	mint, err := parseKey("mint", req.Mint)
	if err != nil {
		return nil, err
	}
	bal, err := s.queries.GetHolderBalance(ctx, holder, mint)
	if err != nil {
		return nil, toStatus(err)
	}
	return bal, nil
}

func (s *ledgerService) GetEvent(ctx context.Context, req *GetEventRequest) (resp *query.EventResponse, err error) {
	defer s.observe("get_event", time.Now(), &err)

	if event.ParseEventType(req.EventType) == event.EventTypeUnknown {
		return nil, status.Errorf(codes.InvalidArgument, "unknown event_type %q", req.EventType)
	}
	if req.IdempotencyKey == "" {
		return nil, status.Error(codes.InvalidArgument, "idempotency_key is required")
	}
	evt, err := s.queries.GetEvent(ctx, req.EventType, req.IdempotencyKey)
	if err != nil {
		return nil, toStatus(err)
	}
	return evt, nil
}

func (s *ledgerService) VerifyIntegrity(ctx context.Context, req *VerifyIntegrityRequest) (resp *query.IntegrityReport, err error) {
	defer s.observe("verify_integrity", time.Now(), &err)

	report, err := s.queries.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return report, nil
}

func (s *ledgerService) observe(endpoint string, start time.Time, errp *error) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	s.metrics.QueryRequests.WithLabelValues(endpoint, status.Code(*errp).String()).Inc()
}

// --- Error mapping ---

func parseKey(field, s string) (solana.PublicKey, error) {
	if s == "" {
		return solana.PublicKey{}, status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	k, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, status.Errorf(codes.InvalidArgument, "invalid %s: %v", field, err)
	}
	return k, nil
}

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ingestion.ErrQueueClosed), errors.Is(err, core.ErrDedupUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// --- Descriptor ---

func unary[Req any, Resp any](
	method string,
	call func(LedgerServiceServer, context.Context, *Req) (*Resp, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + method,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LedgerServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// LedgerServiceDesc describes tokenledger.v1.LedgerService for
// grpc.Server.RegisterService.
var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", LedgerServiceServer.Submit),
		unary("CreateAccount", LedgerServiceServer.CreateAccount),
		unary("GetAccount", LedgerServiceServer.GetAccount),
		unary("ListAccounts", LedgerServiceServer.ListAccounts),
		unary("GetHolderBalance", LedgerServiceServer.GetHolderBalance),
		unary("GetEvent", LedgerServiceServer.GetEvent),
		unary("VerifyIntegrity", LedgerServiceServer.VerifyIntegrity),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tokenledger/v1/ledger",
}
