// Package syscallrpc exposes the syscall Dispatcher over gRPC, so an
// agent runtime running out-of-process (or on a different host from the
// kernel) can issue syscalls without linking the kernel packages
// directly.
package syscallrpc

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/aioscore/kernel/internal/kernel/syscall"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// WireRequest is the gRPC-transported form of a syscall request.
type WireRequest struct {
	Syscall string
	Token   string
	Args    map[string]any
}

// WireResult is the gRPC-transported form of a syscall result.
type WireResult struct {
	OK      bool
	Value   any
	Kind    string
	Message string
}

// Server adapts a syscall.Dispatcher to the grpc.ServiceDesc below.
type Server struct {
	dispatcher *syscall.Dispatcher
}

// NewServer wraps dispatcher for gRPC service registration.
func NewServer(dispatcher *syscall.Dispatcher) *Server {
	return &Server{dispatcher: dispatcher}
}

// Dispatch is the single RPC method: it forwards to the dispatcher and
// translates the result to its wire form.
func (s *Server) Dispatch(ctx context.Context, req *WireRequest) (*WireResult, error) {
	if req == nil || req.Syscall == "" {
		return nil, status.Error(codes.InvalidArgument, "syscall name required")
	}

	result := s.dispatcher.Dispatch(syscall.Name(req.Syscall), syscall.Request{
		Token: req.Token,
		Args:  req.Args,
	})

	return &WireResult{
		OK:      result.OK,
		Value:   result.Value,
		Kind:    result.Kind.String(),
		Message: result.Message,
	}, nil
}

func dispatchHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	in := new(WireRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	return srv.(*Server).Dispatch(ctx, in)
}

// ServiceDesc is the hand-built gRPC service description for the
// syscall RPC surface — there is a single bidirectional-free unary
// method, so a generated .proto/.pb.go pair would add ceremony without
// adding safety over a Request/Result pair that is already a closed,
// hand-maintained ABI (internal/kernel/syscall.Result).
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "aioscore.kernel.SyscallService",
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Dispatch",
			Handler:    dispatchHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "syscallrpc.proto",
}

// Serve starts a gRPC server on addr exposing srv's Dispatch method,
// blocking until the listener errors or the server is stopped.
func Serve(addr string, srv *Server) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("syscallrpc: listen: %w", err)
	}

	gs := grpc.NewServer()
	gs.RegisterService(&ServiceDesc, srv)
	return gs.Serve(lis)
}
