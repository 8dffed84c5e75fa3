package signflowapi

import (
	"context"
	"encoding/json"

	"github.com/aegis-sign/signflow/pkg/apierrors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName 是 gRPC 服务全名。
const ServiceName = "signflow.v1.SigningSessions"

// SigningSessionsServer 是 signflow.v1.SigningSessions 的服务端接口，消息均为 structpb.Struct。
type SigningSessionsServer interface {
	Start(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Watch(req *structpb.Struct, stream grpc.ServerStream) error
}

// ServiceDesc 描述 signflow.v1.SigningSessions，无需代码生成即可注册。
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SigningSessionsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Start", Handler: unaryHandler("Start", SigningSessionsServer.Start)},
		{MethodName: "Cancel", Handler: unaryHandler("Cancel", SigningSessionsServer.Cancel)},
		{MethodName: "Get", Handler: unaryHandler("Get", SigningSessionsServer.Get)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "signflow/v1/sessions.proto",
}

// RegisterSigningSessionsServer 注册服务实现。
func RegisterSigningSessionsServer(s grpc.ServiceRegistrar, srv SigningSessionsServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type unaryFunc func(SigningSessionsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, fn unaryFunc) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(srv.(SigningSessionsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return fn(srv.(SigningSessionsServer), ctx, req.(*structpb.Struct))
		})
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SigningSessionsServer).Watch(in, stream)
}

// GRPCServer 基于 Sessions 实现 SigningSessionsServer。
type GRPCServer struct {
	sessions Sessions
}

var _ SigningSessionsServer = (*GRPCServer)(nil)

// NewGRPCServer 构造 gRPC server。
func NewGRPCServer(sessions Sessions) *GRPCServer {
	if sessions == nil {
		panic("signing sessions are required")
	}
	return &GRPCServer{sessions: sessions}
}

// Start 发起签名，返回初始快照。
func (s *GRPCServer) Start(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body startRequestBody
	if err := fromStruct(req, &body); err != nil {
		return nil, status.Error(codes.InvalidArgument, "malformed start request")
	}
	if body.ContainerID == "" {
		return nil, status.Error(codes.InvalidArgument, "containerId is required")
	}
	sess, err := s.sessions.Start(ctx, body.toStartRequest())
	if err != nil {
		return nil, s.grpcError(err)
	}
	return toStruct(viewOf(sess.Snapshot()))
}

// Cancel 请求取消会话。
func (s *GRPCServer) Cancel(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := sessionID(req)
	if err != nil {
		return nil, err
	}
	accepted, err := s.sessions.Cancel(id)
	if err != nil {
		return nil, s.grpcError(err)
	}
	sess, err := s.sessions.Lookup(id)
	if err != nil {
		return nil, s.grpcError(err)
	}
	return toStruct(cancelResponseBody{Accepted: accepted, Session: viewOf(sess.Snapshot())})
}

// Get 返回会话当前快照。
func (s *GRPCServer) Get(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := sessionID(req)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Lookup(id)
	if err != nil {
		return nil, s.grpcError(err)
	}
	return toStruct(viewOf(sess.Snapshot()))
}

// Watch 推送当前快照及之后每次变化，终止状态后结束流。
func (s *GRPCServer) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	id, err := sessionID(req)
	if err != nil {
		return err
	}
	sess, err := s.sessions.Lookup(id)
	if err != nil {
		return s.grpcError(err)
	}
	updates, unsubscribe := sess.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			msg, err := toStruct(viewOf(snap))
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func (s *GRPCServer) grpcError(err error) error {
	if isNotFound(err) {
		return status.Error(codes.NotFound, err.Error())
	}
	if apiErr, ok := apierrors.FromError(err); ok {
		return status.Error(apierrors.GRPCStatusFor(apiErr), apiErr.Error())
	}
	return status.Error(codes.Internal, "internal error")
}

func sessionID(req *structpb.Struct) (string, error) {
	id := req.GetFields()["sessionId"].GetStringValue()
	if id == "" {
		return "", status.Error(codes.InvalidArgument, "sessionId is required")
	}
	return id, nil
}

// toStruct 经 JSON 把视图转换为 structpb.Struct，字段名与 HTTP 接口一致。
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, v any) error {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
