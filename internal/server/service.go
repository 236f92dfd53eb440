package server

import (
	"SwapGate/internal/action"
	"SwapGate/internal/gas"
	"SwapGate/internal/ingestion"
	"SwapGate/internal/ledger"
	"SwapGate/internal/persistence"
	"SwapGate/internal/pipeline"
	"SwapGate/internal/projection"
	"SwapGate/internal/query"
	"SwapGate/internal/risk"
	"SwapGate/internal/settlement"
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "swapgate.v1.Gate"

// GateServer is the swapgate.v1.Gate service.
type GateServer interface {
	OnTransfer(context.Context, *OnTransferRequest) (*OnTransferResponse, error)
	ExecuteOperation(context.Context, *ExecuteOperationRequest) (*ExecuteOperationResponse, error)
	Withdraw(context.Context, *WithdrawRequest) (*WithdrawResponse, error)
	GetBalance(context.Context, *GetBalanceRequest) (*query.BalancesResponse, error)
	GetRetained(context.Context, *GetRetainedRequest) (*query.RetainedResponse, error)
	GetOutcome(context.Context, *GetOutcomeRequest) (*pipeline.Outcome, error)
	ListOutcomes(context.Context, *ListOutcomesRequest) (*ListOutcomesResponse, error)
	ListJournals(context.Context, *ListJournalsRequest) (*ListJournalsResponse, error)
	Pause(context.Context, *PauseRequest) (*PauseResponse, error)
	Unpause(context.Context, *PauseRequest) (*PauseResponse, error)
	RegisterRiskAddress(context.Context, *RegisterRiskAddressRequest) (*RegisterRiskAddressResponse, error)
	TakeSnapshot(context.Context, *TakeSnapshotRequest) (*TakeSnapshotResponse, error)
	RebuildProjections(context.Context, *RebuildProjectionsRequest) (*RebuildProjectionsResponse, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
}

// ServiceDesc is registered by hand; messages travel through JSONCodec.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GateServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("OnTransfer", GateServer.OnTransfer),
		unary("ExecuteOperation", GateServer.ExecuteOperation),
		unary("Withdraw", GateServer.Withdraw),
		unary("GetBalance", GateServer.GetBalance),
		unary("GetRetained", GateServer.GetRetained),
		unary("GetOutcome", GateServer.GetOutcome),
		unary("ListOutcomes", GateServer.ListOutcomes),
		unary("ListJournals", GateServer.ListJournals),
		unary("Pause", GateServer.Pause),
		unary("Unpause", GateServer.Unpause),
		unary("RegisterRiskAddress", GateServer.RegisterRiskAddress),
		unary("TakeSnapshot", GateServer.TakeSnapshot),
		unary("RebuildProjections", GateServer.RebuildProjections),
		unary("VerifyIntegrity", GateServer.VerifyIntegrity),
	},
	Metadata: "swapgate/v1/gate.json",
}

func unary[Req, Resp any](name string, call func(GateServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
			}
			if interceptor == nil {
				return call(srv.(GateServer), ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(GateServer), ctx, req.(*Req))
			})
		},
	}
}

// Deps holds the collaborators of the Gate service. Registry, Snapshots and
// DB are optional.
type Deps struct {
	Orchestrator *pipeline.Orchestrator
	Router       *settlement.Router
	Query        *query.Service
	Registry     *risk.Registry
	Snapshots    *persistence.SnapshotManager
	DB           *sql.DB
}

// Service implements GateServer.
type Service struct {
	deps Deps
}

func NewService(deps Deps) *Service {
	return &Service{deps: deps}
}

func (s *Service) OnTransfer(ctx context.Context, req *OnTransferRequest) (*OnTransferResponse, error) {
	prepaid, err := ingestion.ParseGas(req.PrepaidGas)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "prepaid_gas: %v", err)
	}

	receipt, err := s.deps.Orchestrator.OnTransfer(ctx, pipeline.Notification{
		NotificationID: req.NotificationID,
		Token:          ledger.TokenID(req.TokenID),
		Sender:         ledger.AccountID(req.SenderID),
		Amount:         int64(req.Amount),
		Msg:            req.Msg,
		PrepaidGas:     prepaid,
	})
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &OnTransferResponse{
		RunID:          receipt.RunID.String(),
		NotificationID: receipt.NotificationID,
		State:          receipt.State.String(),
	}
	if req.Wait {
		out, err := receipt.Promise.Wait(ctx)
		if err != nil {
			return nil, toStatus(err)
		}
		resp.State = out.State.String()
		resp.Outcome = &out
	}
	return resp, nil
}

func (s *Service) ExecuteOperation(ctx context.Context, req *ExecuteOperationRequest) (*ExecuteOperationResponse, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	if len(req.Operation) == 0 {
		return nil, status.Error(codes.InvalidArgument, "operation is required")
	}
	act, err := action.DecodeAction(req.Operation)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "operation: %v", err)
	}
	prepaid, err := ingestion.ParseGas(req.PrepaidGas)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "prepaid_gas: %v", err)
	}

	receipt, err := s.deps.Orchestrator.ExecuteOperation(ctx, pipeline.OperationRequest{
		OperationID: req.OperationID,
		Caller:      caller,
		Action:      act,
		PrepaidGas:  prepaid,
	})
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &ExecuteOperationResponse{
		RunID:       receipt.RunID.String(),
		OperationID: receipt.NotificationID,
		State:       receipt.State.String(),
	}
	if req.Wait {
		out, err := receipt.Promise.Wait(ctx)
		if err != nil {
			return nil, toStatus(err)
		}
		resp.State = out.State.String()
		resp.Outcome = &out
	}
	return resp, nil
}

func (s *Service) Withdraw(ctx context.Context, req *WithdrawRequest) (*WithdrawResponse, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	if req.Owner != "" && ledger.AccountID(req.Owner) != caller {
		return nil, status.Errorf(codes.PermissionDenied, "%s cannot withdraw for %s", caller, req.Owner)
	}
	if req.Token == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}
	if req.Amount <= 0 {
		return nil, status.Error(codes.InvalidArgument, "amount must be positive")
	}

	w, err := s.deps.Router.Withdraw(ctx, caller, ledger.TokenID(req.Token), int64(req.Amount))
	if err != nil {
		return nil, toStatus(err)
	}
	return &WithdrawResponse{WithdrawalID: w.ID.String(), Amount: req.Amount}, nil
}

func (s *Service) GetBalance(ctx context.Context, req *GetBalanceRequest) (*query.BalancesResponse, error) {
	if req.Owner == "" {
		return nil, status.Error(codes.InvalidArgument, "owner is required")
	}
	owner := ledger.AccountID(req.Owner)
	if req.Token == "" {
		resp := s.deps.Query.GetBalances(owner)
		return &resp, nil
	}
	token := ledger.TokenID(req.Token)
	return &query.BalancesResponse{
		Owner:    owner,
		Balances: map[ledger.TokenID]int64{token: s.deps.Query.GetBalance(owner, token)},
		AsOf:     time.Now().UTC(),
	}, nil
}

func (s *Service) GetRetained(ctx context.Context, req *GetRetainedRequest) (*query.RetainedResponse, error) {
	if req.Token == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}
	resp := s.deps.Query.GetRetained(ledger.TokenID(req.Token))
	return &resp, nil
}

func (s *Service) GetOutcome(ctx context.Context, req *GetOutcomeRequest) (*pipeline.Outcome, error) {
	runID, err := uuid.Parse(req.RunID)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid run_id: %v", err)
	}
	o, err := s.deps.Query.GetOutcome(ctx, runID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &o, nil
}

func (s *Service) ListOutcomes(ctx context.Context, req *ListOutcomesRequest) (*ListOutcomesResponse, error) {
	if req.Depositor == "" {
		return nil, status.Error(codes.InvalidArgument, "depositor is required")
	}

	pageSize := req.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 50
	}

	var before *time.Time
	if req.Before != "" {
		t, err := time.Parse(time.RFC3339Nano, req.Before)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid before cursor: %v", err)
		}
		before = &t
	}

	outcomes, err := s.deps.Query.ListOutcomes(ctx, ledger.AccountID(req.Depositor), pageSize, before)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &ListOutcomesResponse{Outcomes: outcomes}
	if len(outcomes) == pageSize {
		resp.NextCursor = outcomes[len(outcomes)-1].CompletedAt.Format(time.RFC3339Nano)
	}
	return resp, nil
}

func (s *Service) ListJournals(ctx context.Context, req *ListJournalsRequest) (*ListJournalsResponse, error) {
	if req.Owner == "" {
		return nil, status.Error(codes.InvalidArgument, "owner is required")
	}

	pageSize := req.PageSize
	if pageSize <= 0 || pageSize > 500 {
		pageSize = 100
	}

	var beforeSeq *int64
	if req.BeforeSeq > 0 {
		beforeSeq = &req.BeforeSeq
	}

	entries, err := s.deps.Query.GetJournalHistory(ctx, ledger.AccountID(req.Owner), pageSize, beforeSeq)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListJournalsResponse{Journals: entries}, nil
}

func (s *Service) Pause(ctx context.Context, req *PauseRequest) (*PauseResponse, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Orchestrator.Pause(caller); err != nil {
		return nil, toStatus(err)
	}
	return &PauseResponse{Paused: s.deps.Orchestrator.Paused()}, nil
}

func (s *Service) Unpause(ctx context.Context, req *PauseRequest) (*PauseResponse, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Orchestrator.Unpause(caller); err != nil {
		return nil, toStatus(err)
	}
	return &PauseResponse{Paused: s.deps.Orchestrator.Paused()}, nil
}

func (s *Service) RegisterRiskAddress(ctx context.Context, req *RegisterRiskAddressRequest) (*RegisterRiskAddressResponse, error) {
	if s.deps.Registry == nil {
		return nil, status.Error(codes.Unimplemented, "no local risk registry configured")
	}
	if err := s.deps.Registry.CreateAddress(ledger.AccountID(req.Address), risk.Category(req.Category), req.Risk); err != nil {
		return nil, toStatus(err)
	}
	return &RegisterRiskAddressResponse{Registered: s.deps.Registry.Len()}, nil
}

func (s *Service) TakeSnapshot(ctx context.Context, req *TakeSnapshotRequest) (*TakeSnapshotResponse, error) {
	if s.deps.Snapshots == nil {
		return nil, status.Error(codes.FailedPrecondition, "snapshots require postgres")
	}
	snap := persistence.Capture(s.deps.Router)
	if err := s.deps.Snapshots.Save(ctx, snap); err != nil {
		return nil, status.Errorf(codes.Internal, "save snapshot: %v", err)
	}
	return &TakeSnapshotResponse{JournalCount: snap.JournalCount}, nil
}

func (s *Service) RebuildProjections(ctx context.Context, req *RebuildProjectionsRequest) (*RebuildProjectionsResponse, error) {
	if s.deps.DB == nil {
		return nil, status.Error(codes.FailedPrecondition, "projections require postgres")
	}
	if err := projection.RebuildBalances(ctx, s.deps.DB); err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return &RebuildProjectionsResponse{Rebuilt: true}, nil
}

func (s *Service) VerifyIntegrity(ctx context.Context, req *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	report, err := s.deps.Query.VerifyIntegrity(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "verify integrity: %v", err)
	}
	return report, nil
}

func requireCaller(ctx context.Context) (ledger.AccountID, error) {
	caller, ok := CallerFrom(ctx)
	if !ok || caller == "" {
		return "", status.Error(codes.Unauthenticated, "no authenticated caller")
	}
	return caller, nil
}

// toStatus maps domain errors to gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var code codes.Code
	switch {
	case errors.Is(err, pipeline.ErrWrongMessageFormat),
		errors.Is(err, pipeline.ErrInvalidDeposit),
		errors.Is(err, pipeline.ErrInvalidOperation),
		errors.Is(err, ledger.ErrAmountOverflow),
		errors.Is(err, risk.ErrInvalidRisk):
		code = codes.InvalidArgument
	case errors.Is(err, gas.ErrInsufficientGas),
		errors.Is(err, ledger.ErrInsufficientBalance):
		code = codes.FailedPrecondition
	case errors.Is(err, pipeline.ErrNotOwner):
		code = codes.PermissionDenied
	case errors.Is(err, pipeline.ErrContractPaused),
		errors.Is(err, pipeline.ErrShuttingDown):
		code = codes.Unavailable
	case errors.Is(err, settlement.ErrTransferFailed):
		code = codes.Aborted
	case errors.Is(err, risk.ErrAddressExists):
		code = codes.AlreadyExists
	case errors.Is(err, query.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
