// Copyright 2025 Joseph Cumines

package rpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joeycumines/macos-authority/internal/rpcerr"
	"github.com/joeycumines/macos-authority/internal/store"
)

// waitPollInterval is the step between done checks inside WaitOperation.
const waitPollInterval = 50 * time.Millisecond

// OperationsService implements longrunningpb.OperationsServer against the
// Operation Registry, so clients poll operations over the standard LRO
// surface instead of a bespoke one.
type OperationsService struct {
	longrunningpb.UnimplementedOperationsServer

	ops *store.OperationRegistry
}

// NewOperationsService wires the LRO service to reg.
func NewOperationsService(reg *store.OperationRegistry) *OperationsService {
	return &OperationsService{ops: reg}
}

// ToStruct converts a json-taggable response payload to a structpb.Struct
// so it can ride inside an Operation's anypb response slot.
func ToStruct(v any) (*structpb.Struct, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpcapi: marshalling operation payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("rpcapi: operation payload is not a json object: %w", err)
	}
	return structpb.NewStruct(m)
}

// grpcError maps a domain error to the status error a gRPC boundary
// surfaces, preserving the canonical code.
func grpcError(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(rpcerr.CodeOf(err), err.Error())
}

func protoOperation(op *store.Operation) (*longrunningpb.Operation, error) {
	done, response, opErr := op.Snapshot()
	out := &longrunningpb.Operation{Name: op.Name, Done: done}

	if op.Metadata != nil {
		s, err := ToStruct(op.Metadata)
		if err != nil {
			return nil, err
		}
		md, err := anypb.New(s)
		if err != nil {
			return nil, err
		}
		out.Metadata = md
	}

	switch {
	case opErr != nil:
		out.Result = &longrunningpb.Operation_Error{Error: &statuspb.Status{
			Code:    int32(opErr.Code),
			Message: opErr.Error(),
		}}
	case done:
		s, err := ToStruct(response)
		if err != nil {
			return nil, err
		}
		if s != nil {
			resp, err := anypb.New(s)
			if err != nil {
				return nil, err
			}
			out.Result = &longrunningpb.Operation_Response{Response: resp}
		}
	}
	return out, nil
}

func (s *OperationsService) GetOperation(_ context.Context, req *longrunningpb.GetOperationRequest) (*longrunningpb.Operation, error) {
	op, ok := s.ops.Get(req.GetName())
	if !ok {
		return nil, grpcError(rpcerr.NotFound("operation_not_found", "no operation named %s", req.GetName()))
	}
	out, err := protoOperation(op)
	if err != nil {
		return nil, grpcError(rpcerr.Internal("operation_encode_failed", "%v", err))
	}
	return out, nil
}

func (s *OperationsService) ListOperations(_ context.Context, req *longrunningpb.ListOperationsRequest) (*longrunningpb.ListOperationsResponse, error) {
	all := s.ops.List()
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })

	page, next, err := paginate(all, int(req.GetPageSize()), req.GetPageToken())
	if err != nil {
		return nil, grpcError(err)
	}

	out := &longrunningpb.ListOperationsResponse{NextPageToken: next}
	for _, op := range page {
		p, err := protoOperation(op)
		if err != nil {
			return nil, grpcError(rpcerr.Internal("operation_encode_failed", "%v", err))
		}
		out.Operations = append(out.Operations, p)
	}
	return out, nil
}

func (s *OperationsService) DeleteOperation(_ context.Context, req *longrunningpb.DeleteOperationRequest) (*emptypb.Empty, error) {
	if err := s.ops.Delete(req.GetName()); err != nil {
		return nil, grpcError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *OperationsService) CancelOperation(_ context.Context, req *longrunningpb.CancelOperationRequest) (*emptypb.Empty, error) {
	op, ok := s.ops.Get(req.GetName())
	if !ok {
		return nil, grpcError(rpcerr.NotFound("operation_not_found", "no operation named %s", req.GetName()))
	}
	// Cancelling an already-done operation is a no-op rather than an
	// error, per LRO convention.
	_ = op.Cancel()
	return &emptypb.Empty{}, nil
}

func (s *OperationsService) WaitOperation(ctx context.Context, req *longrunningpb.WaitOperationRequest) (*longrunningpb.Operation, error) {
	op, ok := s.ops.Get(req.GetName())
	if !ok {
		return nil, grpcError(rpcerr.NotFound("operation_not_found", "no operation named %s", req.GetName()))
	}

	waitCtx := ctx
	if t := req.GetTimeout(); t != nil {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, t.AsDuration())
		defer cancel()
	}

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		if done, _, _ := op.Snapshot(); done {
			break
		}
		select {
		case <-waitCtx.Done():
			// Return the operation's current (not-done) state; the caller
			// distinguishes timeout from completion via the done flag.
			out, err := protoOperation(op)
			if err != nil {
				return nil, grpcError(rpcerr.Internal("operation_encode_failed", "%v", err))
			}
			return out, nil
		case <-ticker.C:
		}
	}

	out, err := protoOperation(op)
	if err != nil {
		return nil, grpcError(rpcerr.Internal("operation_encode_failed", "%v", err))
	}
	return out, nil
}

var _ longrunningpb.OperationsServer = (*OperationsService)(nil)
