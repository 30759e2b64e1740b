package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 1 << 20

// HTTPHandler returns the gateway mux. Routes call the same service
// implementation the gRPC server does, so both surfaces share validation
// and error mapping.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{"POST", "/v1/instructions", s.handleSubmit},
		{"POST", "/v1/accounts", s.handleCreateAccount},
		{"GET", "/v1/accounts/{pubkey}", s.handleGetAccount},
		{"GET", "/v1/holders/{holder}/accounts", s.handleListByHolder},
		{"GET", "/v1/holders/{holder}/balances/{mint}", s.handleHolderBalance},
		{"GET", "/v1/mints/{mint}/accounts", s.handleListByMint},
		{"GET", "/v1/events/{type}/{key}", s.handleGetEvent},
		{"GET", "/v1/admin/integrity", s.handleVerifyIntegrity},
		{"GET", "/healthz", s.handleLiveness},
		{"GET", "/readyz", s.handleReadiness},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}
	return mux, nil
}

func (s *GRPCServer) handleSubmit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req SubmitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeResult(w, r.Context(), func(ctx context.Context) (any, error) {
		return s.service.Submit(ctx, &req)
	})
}

func (s *GRPCServer) handleCreateAccount(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req CreateAccountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeResult(w, r.Context(), func(ctx context.Context) (any, error) {
		return s.service.CreateAccount(ctx, &req)
	})
}

func (s *GRPCServer) handleGetAccount(w http.ResponseWriter, r *http.Request, params map[string]string) {
	writeResult(w, r.Context(), func(ctx context.Context) (any, error) {
		return s.service.GetAccount(ctx, &GetAccountRequest{Pubkey: params["pubkey"]})
	})
}

func (s *GRPCServer) handleListByHolder(w http.ResponseWriter, r *http.Request, params map[string]string) {
	req := pageRequest(r)
	req.Holder = params["holder"]
	writeResult(w, r.Context(), func(ctx context.Context) (any, error) {
		return s.service.ListAccounts(ctx, req)
	})
}

func (s *GRPCServer) handleListByMint(w http.ResponseWriter, r *http.Request, params map[string]string) {
	req := pageRequest(r)
	req.Mint = params["mint"]
	writeResult(w, r.Context(), func(ctx context.Context) (any, error) {
		return s.service.ListAccounts(ctx, req)
	})
}

func (s *GRPCServer) handleHolderBalance(w http.ResponseWriter, r *http.Request, params map[string]string) {
	writeResult(w, r.Context(), func(ctx context.Context) (any, error) {
		return s.service.GetHolderBalance(ctx, &GetHolderBalanceRequest{
			Holder: params["holder"],
			Mint:   params["mint"],
		})
	})
}

func (s *GRPCServer) handleGetEvent(w http.ResponseWriter, r *http.Request, params map[string]string) {
	writeResult(w, r.Context(), func(ctx context.Context) (any, error) {
		return s.service.GetEvent(ctx, &GetEventRequest{
			EventType:      params["type"],
			IdempotencyKey: params["key"],
		})
	})
}

func (s *GRPCServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeResult(w, r.Context(), func(ctx context.Context) (any, error) {
		return s.service.VerifyIntegrity(ctx, &VerifyIntegrityRequest{})
	})
}

func (s *GRPCServer) handleLiveness(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.healthChecker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	s.healthChecker.LivenessHandler(w, r)
}

func (s *GRPCServer) handleReadiness(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.healthChecker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	s.healthChecker.ReadinessHandler(w, r)
}

// --- helpers ---

func pageRequest(r *http.Request) *ListAccountsRequest {
	q := r.URL.Query()
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	return &ListAccountsRequest{PageSize: pageSize, Cursor: q.Get("cursor")}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err == nil {
		err = json.Unmarshal(body, v)
	}
	if err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "invalid request body: %v", err))
		return false
	}
	return true
}

func writeResult(w http.ResponseWriter, ctx context.Context, call func(context.Context) (any, error)) {
	resp, err := call(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), map[string]any{
		"code":    st.Code().String(),
		"message": st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
