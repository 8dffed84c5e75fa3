package signflowapi

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client 调用 signflow.v1.SigningSessions。
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient 基于已建立的连接创建客户端。
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Start 发起签名。fields 与 HTTP POST /sessions 的 JSON 字段一致。
func (c *Client) Start(ctx context.Context, fields map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return c.unary(ctx, "Start", in)
}

// Get 返回会话快照。
func (c *Client) Get(ctx context.Context, sessionID string) (*structpb.Struct, error) {
	return c.unary(ctx, "Get", idRequest(sessionID))
}

// Cancel 请求取消会话。
func (c *Client) Cancel(ctx context.Context, sessionID string) (*structpb.Struct, error) {
	return c.unary(ctx, "Cancel", idRequest(sessionID))
}

// Watch 依次把会话快照交给 fn，直到终止状态或 fn 返回错误。
func (c *Client) Watch(ctx context.Context, sessionID string, fn func(*structpb.Struct) error) error {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Watch")
	if err != nil {
		return err
	}
	if err := stream.SendMsg(idRequest(sessionID)); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}

func (c *Client) unary(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func idRequest(sessionID string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"sessionId": structpb.NewStringValue(sessionID),
	}}
}
