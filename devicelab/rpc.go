// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package devicelab

import (
	"context"
	"io"
	"net"
	"net/rpc"
	"strings"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-msgpack/v2/codec"
	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"
	"github.com/hashicorp/yamux"

	"github.com/hashicorp/devicelab/devicelab/structs"
)

// RPCType is the first byte of every connection; it selects how the rest
// of the stream is interpreted.
type RPCType byte

const (
	rpcDeviceLab RPCType = 0x01
	rpcMultiplex RPCType = 0x02
	rpcStreaming RPCType = 0x03
)

// setupRPC binds the listener, registers the unary endpoints on the RPC
// server and the streaming handlers on the registry.
func (s *Server) setupRPC() error {
	sessionEndpoint := &Session{srv: s, logger: s.logger.Named("session")}
	controlEndpoint := &Control{srv: s, logger: s.logger.Named("control")}
	versionEndpoint := &Version{srv: s}

	s.rpcServer = rpc.NewServer()
	s.rpcServer.Register(sessionEndpoint)
	s.rpcServer.Register(controlEndpoint)
	s.rpcServer.Register(versionEndpoint)

	s.streamingRpcs.Register("Session.Subscribe", sessionEndpoint.subscribe)
	s.streamingRpcs.Register("Control.GetLog", controlEndpoint.getLog)

	listener, err := net.Listen("tcp", s.config.RPCAddr)
	if err != nil {
		return err
	}
	s.rpcListener = listener
	return nil
}

// listen accepts connections until the listener closes.
func (s *Server) listen(ctx context.Context) {
	for {
		conn, err := s.rpcListener.Accept()
		if err != nil {
			if ctx.Err() != nil || strings.Contains(err.Error(), "closed") {
				return
			}
			s.logger.Error("failed to accept RPC conn", "error", err)
			continue
		}

		go s.handleConn(ctx, conn)
		metrics.IncrCounter([]string{"devicelab", "rpc", "accept_conn"}, 1)
	}
}

// handleConn dispatches on the connection's mode byte.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != nil {
		if err != io.EOF {
			s.logger.Error("failed to read first RPC byte", "error", err)
		}
		conn.Close()
		return
	}

	switch RPCType(buf[0]) {
	case rpcDeviceLab:
		s.handleDeviceLabConn(ctx, conn)

	case rpcMultiplex:
		s.handleMultiplex(ctx, conn)

	case rpcStreaming:
		s.handleStreamingConn(conn)

	default:
		s.logger.Error("unrecognized RPC byte", "byte", buf[0])
		conn.Close()
	}
}

// handleMultiplex serves a yamux session whose streams each carry another
// mode byte, so one connection mixes unary and streaming RPCs.
func (s *Server) handleMultiplex(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conf := yamux.DefaultConfig()
	if s.config.LogOutput != nil {
		conf.LogOutput = s.config.LogOutput
	}
	server, err := yamux.Server(conn, conf)
	if err != nil {
		s.logger.Error("multiplex failed to create yamux server", "error", err)
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		sub, err := server.Accept()
		if err != nil {
			if err != io.EOF {
				s.logger.Error("multiplex conn accept failed", "error", err)
			}
			return
		}
		go s.handleConn(ctx, sub)
	}
}

// handleDeviceLabConn services unary RPC requests on one connection.
func (s *Server) handleDeviceLabConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	rpcCodec := msgpackrpc.NewCodecFromHandle(true, true, conn, structs.MsgpackHandle)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("closing server RPC connection")
			return
		default:
		}

		if err := s.rpcServer.ServeRequest(rpcCodec); err != nil {
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				s.logger.Error("RPC error", "error", err, "connection", conn.RemoteAddr())
				metrics.IncrCounter([]string{"devicelab", "rpc", "request_error"}, 1)
			}
			return
		}
		metrics.IncrCounter([]string{"devicelab", "rpc", "request"}, 1)
	}
}

// handleStreamingConn routes one streaming RPC: decode the header, ack,
// then hand the connection to the registered handler.
func (s *Server) handleStreamingConn(conn net.Conn) {
	defer conn.Close()

	var header structs.StreamingRpcHeader
	decoder := codec.NewDecoder(conn, structs.MsgpackHandle)
	if err := decoder.Decode(&header); err != nil {
		if err != io.EOF && !strings.Contains(err.Error(), "closed") {
			s.logger.Error("streaming RPC error", "error", err, "connection", conn.RemoteAddr())
			metrics.IncrCounter([]string{"devicelab", "streaming_rpc", "request_error"}, 1)
		}
		return
	}

	ack := structs.StreamingRpcAck{}
	handler, err := s.streamingRpcs.GetHandler(header.Method)
	if err != nil {
		s.logger.Error("streaming RPC error", "error", err, "connection", conn.RemoteAddr())
		metrics.IncrCounter([]string{"devicelab", "streaming_rpc", "request_error"}, 1)
		ack.Error = err.Error()
	}

	encoder := codec.NewEncoder(conn, structs.MsgpackHandle)
	if err := encoder.Encode(ack); err != nil {
		return
	}
	if ack.Error != "" {
		return
	}

	metrics.IncrCounter([]string{"devicelab", "streaming_rpc", "request"}, 1)
	handler(conn)
}

// codeForStream maps an error to the RPC code carried in stream error
// frames.
func codeForStream(err error) *int64 {
	code := int64(structs.CodeForErr(err))
	return &code
}
