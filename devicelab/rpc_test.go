// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package devicelab

import (
	"net"
	"net/rpc"
	"testing"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"
	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"
	"github.com/hashicorp/yamux"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/devicelab/devicelab/structs"
	"github.com/hashicorp/devicelab/helper/testlog"
)

func testServer(t *testing.T, cb func(*Config)) *Server {
	t.Helper()

	config := DefaultConfig()
	config.RPCAddr = "127.0.0.1:0"
	config.DevMode = true
	config.Logger = testlog.HCLogger(t)
	if cb != nil {
		cb(config)
	}

	s, err := NewServer(config)
	must.NoError(t, err)
	t.Cleanup(func() { s.Shutdown() })
	return s
}

// rpcClient dials the server and returns a codec for unary requests.
func rpcClient(t *testing.T, s *Server) rpc.ClientCodec {
	t.Helper()

	conn, err := net.DialTimeout("tcp", s.RPCAddr().String(), time.Second)
	must.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.Write([]byte{byte(rpcDeviceLab)})
	must.NoError(t, err)
	return msgpackrpc.NewCodecFromHandle(true, true, conn, structs.MsgpackHandle)
}

// streamClient opens a streaming RPC and returns the framed connection.
func streamClient(t *testing.T, s *Server, method string) (net.Conn, *codec.Encoder, *codec.Decoder) {
	t.Helper()

	conn, err := net.DialTimeout("tcp", s.RPCAddr().String(), time.Second)
	must.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.Write([]byte{byte(rpcStreaming)})
	must.NoError(t, err)

	encoder := codec.NewEncoder(conn, structs.MsgpackHandle)
	decoder := codec.NewDecoder(conn, structs.MsgpackHandle)

	must.NoError(t, encoder.Encode(&structs.StreamingRpcHeader{Method: method}))

	var ack structs.StreamingRpcAck
	must.NoError(t, decoder.Decode(&ack))
	must.Eq(t, "", ack.Error)

	return conn, encoder, decoder
}

func TestRPC_UnknownStreamingMethod(t *testing.T) {
	s := testServer(t, nil)

	conn, err := net.DialTimeout("tcp", s.RPCAddr().String(), time.Second)
	must.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{byte(rpcStreaming)})
	must.NoError(t, err)

	encoder := codec.NewEncoder(conn, structs.MsgpackHandle)
	decoder := codec.NewDecoder(conn, structs.MsgpackHandle)
	must.NoError(t, encoder.Encode(&structs.StreamingRpcHeader{Method: "Nope.Nope"}))

	var ack structs.StreamingRpcAck
	must.NoError(t, decoder.Decode(&ack))
	must.StrContains(t, ack.Error, "unknown rpc method")
}

func TestRPC_Multiplex(t *testing.T) {
	s := testServer(t, nil)

	conn, err := net.DialTimeout("tcp", s.RPCAddr().String(), time.Second)
	must.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{byte(rpcMultiplex)})
	must.NoError(t, err)

	session, err := yamuxClient(conn)
	must.NoError(t, err)
	defer session.Close()

	// Two independent unary streams over one connection.
	for i := 0; i < 2; i++ {
		stream, err := session.Open()
		must.NoError(t, err)

		_, err = stream.Write([]byte{byte(rpcDeviceLab)})
		must.NoError(t, err)

		cc := msgpackrpc.NewCodecFromHandle(true, true, stream, structs.MsgpackHandle)
		var resp structs.VersionResponse
		must.NoError(t, msgpackrpc.CallWithCodec(cc, "Version.GetVersion", &structs.VersionRequest{}, &resp))
		must.StrContains(t, resp.Version, "LAB_VERSION = ")
		stream.Close()
	}
}

func yamuxClient(conn net.Conn) (*yamux.Session, error) {
	return yamux.Client(conn, yamux.DefaultConfig())
}

func TestVersion_GetVersion(t *testing.T) {
	s := testServer(t, nil)
	cc := rpcClient(t, s)

	var resp structs.VersionResponse
	must.NoError(t, msgpackrpc.CallWithCodec(cc, "Version.GetVersion", &structs.VersionRequest{}, &resp))
	must.StrContains(t, resp.Version, "LAB_VERSION = ")
}
