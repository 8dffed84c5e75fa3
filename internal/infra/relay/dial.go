package relay

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

// dialEndpoint 按 endpoint 的前缀选择传输：unix:PATH、vsock:CID:PORT，其余按 tcp 处理。
// endpoint 为空时拨中继 URL 中的 addr。
func dialEndpoint(ctx context.Context, endpoint, addr string) (net.Conn, error) {
	var d net.Dialer
	if endpoint == "" {
		return d.DialContext(ctx, "tcp", addr)
	}
	scheme, rest, ok := strings.Cut(endpoint, ":")
	if !ok {
		return d.DialContext(ctx, "tcp", endpoint)
	}
	rest = strings.TrimPrefix(rest, "//")
	switch scheme {
	case "unix":
		return d.DialContext(ctx, "unix", rest)
	case "vsock":
		return dialVsock(ctx, rest)
	default:
		return d.DialContext(ctx, "tcp", endpoint)
	}
}

// parseVsock 解析 "CID:PORT"。
func parseVsock(target string) (cid, port uint32, err error) {
	rawCID, rawPort, ok := strings.Cut(target, ":")
	if !ok || strings.Contains(rawPort, ":") {
		return 0, 0, fmt.Errorf("invalid vsock endpoint %q, want cid:port", target)
	}
	c, err := strconv.ParseUint(rawCID, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid vsock cid: %w", err)
	}
	p, err := strconv.ParseUint(rawPort, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid vsock port: %w", err)
	}
	return uint32(c), uint32(p), nil
}

// dialVsock 在后台拨号以便响应 ctx 取消；取消后晚到的连接会被关闭。
func dialVsock(ctx context.Context, target string) (net.Conn, error) {
	cid, port, err := parseVsock(target)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	var (
		conn    net.Conn
		dialErr error
	)
	go func() {
		defer close(done)
		c, err := vsock.Dial(cid, port, nil)
		if err != nil {
			dialErr = err
			return
		}
		conn = c
	}()
	select {
	case <-done:
		return conn, dialErr
	case <-ctx.Done():
		go func() {
			<-done
			if conn != nil {
				_ = conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
