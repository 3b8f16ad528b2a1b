// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package devicelab

import (
	"testing"
	"time"

	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/devicelab/devicelab/structs"
	"github.com/hashicorp/devicelab/helper/testlog"
	"github.com/hashicorp/devicelab/testutil"
)

func TestControlEndpoint_Heartbeat(t *testing.T) {
	s := testServer(t, nil)
	cc := rpcClient(t, s)

	var resp structs.GenericResponse
	err := msgpackrpc.CallWithCodec(cc, "Control.Heartbeat", &structs.HeartbeatRequest{}, &resp)
	must.Error(t, err)
	must.StrContains(t, err.Error(), "client id is required")

	err = msgpackrpc.CallWithCodec(cc, "Control.Heartbeat", &structs.HeartbeatRequest{ClientID: "x"}, &resp)
	must.NoError(t, err)
	must.Eq(t, []string{"x"}, s.clients.Alive())
}

func TestControlEndpoint_SetLogLevel(t *testing.T) {
	s := testServer(t, nil)
	cc := rpcClient(t, s)

	var resp structs.GenericResponse
	err := msgpackrpc.CallWithCodec(cc, "Control.SetLogLevel", &structs.SetLogLevelRequest{Level: "DEBUG"}, &resp)
	must.NoError(t, err)
	must.True(t, s.logger.IsDebug())

	err = msgpackrpc.CallWithCodec(cc, "Control.SetLogLevel", &structs.SetLogLevelRequest{Level: "bogus"}, &resp)
	must.Error(t, err)
	must.StrContains(t, err.Error(), "unknown log level")
}

// TestControlEndpoint_KillServer_Gating covers the full gate: a running
// session blocks the kill, the caller's sessions get aborted, and the
// retry after they finish shuts the server down.
func TestControlEndpoint_KillServer_Gating(t *testing.T) {
	block := newBlockPlugin()
	s := testServer(t, nil)
	s.RegisterSessionPlugin(block)
	cc := rpcClient(t, s)

	// Client X holds a running session; client Y's session is finished.
	var create structs.SessionCreateResponse
	err := msgpackrpc.CallWithCodec(cc, "Session.Create", &structs.SessionCreateRequest{
		Config: &structs.SessionConfig{ClientID: "x", Plugins: []string{"block"}},
	}, &create)
	must.NoError(t, err)
	<-block.started

	var run structs.SessionRunResponse
	err = msgpackrpc.CallWithCodec(cc, "Session.Run", &structs.SessionRunRequest{
		Config: &structs.SessionConfig{ClientID: "y"},
	}, &run)
	must.NoError(t, err)

	var kill structs.KillServerResponse
	err = msgpackrpc.CallWithCodec(cc, "Control.KillServer", &structs.KillServerRequest{ClientID: "x"}, &kill)
	must.NoError(t, err)
	must.False(t, kill.Success)
	must.Positive(t, kill.Pid)
	must.Eq(t, []string{create.Session.ID}, kill.UnfinishedSessions)
	must.Len(t, 0, kill.AliveClients)

	// The refusal still aborted X's session; wait for it to finish.
	testutil.WaitForResult(func() (bool, error) {
		var get structs.SessionGetResponse
		if err := msgpackrpc.CallWithCodec(cc, "Session.Get", &structs.SessionSpecificRequest{
			ID: create.Session.ID,
		}, &get); err != nil {
			return false, err
		}
		return get.Session.Status == structs.SessionStatusFinished, nil
	}, func(err error) {
		t.Fatalf("aborted session did not finish: %v", err)
	})

	err = msgpackrpc.CallWithCodec(cc, "Control.KillServer", &structs.KillServerRequest{ClientID: "x"}, &kill)
	must.NoError(t, err)
	must.True(t, kill.Success)

	select {
	case <-s.ShutdownCh():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down after successful kill")
	}
}

func TestControlEndpoint_KillServer_AliveClients(t *testing.T) {
	s := testServer(t, nil)
	cc := rpcClient(t, s)

	var resp structs.GenericResponse
	must.NoError(t, msgpackrpc.CallWithCodec(cc, "Control.Heartbeat", &structs.HeartbeatRequest{ClientID: "other"}, &resp))

	var kill structs.KillServerResponse
	err := msgpackrpc.CallWithCodec(cc, "Control.KillServer", &structs.KillServerRequest{ClientID: "x"}, &kill)
	must.NoError(t, err)
	must.False(t, kill.Success)
	must.Eq(t, []string{"other"}, kill.AliveClients)
}

// TestControlEndpoint_GetLog covers the client-id filter: records for
// other clients are dropped, unattributed records pass.
func TestControlEndpoint_GetLog(t *testing.T) {
	s := testServer(t, nil)

	conn, encoder, decoder := streamClient(t, s, "Control.GetLog")
	must.NoError(t, encoder.Encode(&structs.GetLogRequest{Enable: true, ClientID: "x"}))

	testutil.WaitForResult(func() (bool, error) {
		return s.logManager.ConsumerCount() > 0, nil
	}, func(err error) {
		t.Fatalf("stream never attached: %v", err)
	})

	s.logManager.Publish(
		&structs.LogRecord{Message: "r1", ClientID: "x"},
		&structs.LogRecord{Message: "r2"},
		&structs.LogRecord{Message: "r3", ClientID: "y"},
	)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var batch structs.GetLogBatch
	must.NoError(t, decoder.Decode(&batch))
	must.Nil(t, batch.Error)
	must.Len(t, 2, batch.Records)
	must.Eq(t, "r1", batch.Records[0].Message)
	must.Eq(t, "r2", batch.Records[1].Message)

	// Disabling detaches the stream from the tap.
	must.NoError(t, encoder.Encode(&structs.GetLogRequest{Enable: false}))
	testutil.WaitForResult(func() (bool, error) {
		return s.logManager.ConsumerCount() == 0, nil
	}, func(err error) {
		t.Fatalf("stream never detached: %v", err)
	})
}

func TestClientTracker_TTL(t *testing.T) {
	tracker := newClientTracker(testlog.HCLogger(t), 50*time.Millisecond)
	tracker.Heartbeat("x")
	must.Eq(t, []string{"x"}, tracker.Alive())

	testutil.WaitForResult(func() (bool, error) {
		return len(tracker.Alive()) == 0, nil
	}, func(err error) {
		t.Fatalf("client never expired: %v", err)
	})
}
