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

// maxBodyBytes bounds gateway request bodies.
const maxBodyBytes = 1 << 20

// NewGatewayMux maps HTTP/JSON routes onto the Gate service. Every route is
// authorized like the gRPC method it calls. Deposit notifications have no
// route: they arrive over NATS.
func NewGatewayMux(svc GateServer, auth *Authenticator) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{"POST", "/v1/withdrawals", post(auth, "Withdraw", svc.Withdraw)},
		{"POST", "/v1/operations", post(auth, "ExecuteOperation", svc.ExecuteOperation)},
		{"GET", "/v1/accounts/{owner}/balances", get(auth, "GetBalance", func(r *http.Request, p map[string]string) (*GetBalanceRequest, error) {
			return &GetBalanceRequest{Owner: p["owner"], Token: r.URL.Query().Get("token")}, nil
		}, svc.GetBalance)},
		{"GET", "/v1/retained/{token}", get(auth, "GetRetained", func(r *http.Request, p map[string]string) (*GetRetainedRequest, error) {
			return &GetRetainedRequest{Token: p["token"]}, nil
		}, svc.GetRetained)},
		{"GET", "/v1/outcomes/{run_id}", get(auth, "GetOutcome", func(r *http.Request, p map[string]string) (*GetOutcomeRequest, error) {
			return &GetOutcomeRequest{RunID: p["run_id"]}, nil
		}, svc.GetOutcome)},
		{"GET", "/v1/accounts/{owner}/outcomes", get(auth, "ListOutcomes", func(r *http.Request, p map[string]string) (*ListOutcomesRequest, error) {
			size, err := intParam(r, "page_size")
			if err != nil {
				return nil, err
			}
			return &ListOutcomesRequest{Depositor: p["owner"], PageSize: size, Before: r.URL.Query().Get("before")}, nil
		}, svc.ListOutcomes)},
		{"GET", "/v1/accounts/{owner}/journals", get(auth, "ListJournals", func(r *http.Request, p map[string]string) (*ListJournalsRequest, error) {
			size, err := intParam(r, "page_size")
			if err != nil {
				return nil, err
			}
			before, err := intParam(r, "before_seq")
			if err != nil {
				return nil, err
			}
			return &ListJournalsRequest{Owner: p["owner"], PageSize: size, BeforeSeq: int64(before)}, nil
		}, svc.ListJournals)},
		{"POST", "/v1/admin/pause", post(auth, "Pause", svc.Pause)},
		{"POST", "/v1/admin/unpause", post(auth, "Unpause", svc.Unpause)},
		{"POST", "/v1/admin/risk-addresses", post(auth, "RegisterRiskAddress", svc.RegisterRiskAddress)},
		{"POST", "/v1/admin/snapshots", post(auth, "TakeSnapshot", svc.TakeSnapshot)},
		{"POST", "/v1/admin/projections/rebuild", post(auth, "RebuildProjections", svc.RebuildProjections)},
		{"POST", "/v1/admin/integrity", post(auth, "VerifyIntegrity", svc.VerifyIntegrity)},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return nil, fmt.Errorf("%s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

// post decodes the JSON body into Req.
func post[Req, Resp any](auth *Authenticator, name string, call func(context.Context, *Req) (*Resp, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		req := new(Req)
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, status.Errorf(codes.InvalidArgument, "read body: %v", err))
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, req); err != nil {
				writeError(w, status.Errorf(codes.InvalidArgument, "decode body: %v", err))
				return
			}
		}
		respond(w, r, auth, name, req, call)
	}
}

// get builds Req from path and query parameters.
func get[Req, Resp any](
	auth *Authenticator,
	name string,
	build func(*http.Request, map[string]string) (*Req, error),
	call func(context.Context, *Req) (*Resp, error),
) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		req, err := build(r, params)
		if err != nil {
			writeError(w, status.Error(codes.InvalidArgument, err.Error()))
			return
		}
		respond(w, r, auth, name, req, call)
	}
}

func respond[Req, Resp any](
	w http.ResponseWriter,
	r *http.Request,
	auth *Authenticator,
	name string,
	req *Req,
	call func(context.Context, *Req) (*Resp, error),
) {
	ctx, err := auth.authorize(r.Context(), name, r.Header.Get("Authorization"))
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := call(ctx, req)
	if err != nil {
		writeError(w, toStatus(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
	json.NewEncoder(w).Encode(map[string]any{
		"code":    st.Code().String(),
		"message": st.Message(),
	})
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", name, err)
	}
	return n, nil
}
