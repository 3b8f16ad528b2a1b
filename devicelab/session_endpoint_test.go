// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package devicelab

import (
	"testing"
	"time"

	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/devicelab/devicelab/structs"
	"github.com/hashicorp/devicelab/testutil"
)

func TestSessionEndpoint_CreateAndGet(t *testing.T) {
	s := testServer(t, nil)
	cc := rpcClient(t, s)

	var create structs.SessionCreateResponse
	err := msgpackrpc.CallWithCodec(cc, "Session.Create", &structs.SessionCreateRequest{
		Config: &structs.SessionConfig{Name: "s", ClientID: "console-1"},
	}, &create)
	must.NoError(t, err)
	must.NotEq(t, "", create.Session.ID)

	var get structs.SessionGetResponse
	err = msgpackrpc.CallWithCodec(cc, "Session.Get", &structs.SessionSpecificRequest{
		ID: create.Session.ID,
	}, &get)
	must.NoError(t, err)
	must.Eq(t, "console-1", get.Session.ClientID)

	// Masked get trims everything but the id and the selected field.
	err = msgpackrpc.CallWithCodec(cc, "Session.Get", &structs.SessionSpecificRequest{
		ID:        create.Session.ID,
		FieldMask: structs.NewFieldMask([]int32{structs.SessionDetailFieldStatus}),
	}, &get)
	must.NoError(t, err)
	must.Eq(t, create.Session.ID, get.Session.ID)
	must.Eq(t, "", get.Session.ClientID)

	err = msgpackrpc.CallWithCodec(cc, "Session.Get", &structs.SessionSpecificRequest{
		ID: "missing",
	}, &get)
	must.Error(t, err)
	must.StrContains(t, err.Error(), "not found")
}

func TestSessionEndpoint_Run(t *testing.T) {
	s := testServer(t, nil)
	cc := rpcClient(t, s)

	var run structs.SessionRunResponse
	err := msgpackrpc.CallWithCodec(cc, "Session.Run", &structs.SessionRunRequest{
		Config: &structs.SessionConfig{Name: "s"},
	}, &run)
	must.NoError(t, err)
	must.Eq(t, structs.SessionStatusFinished, run.Session.Status)
}

func TestSessionEndpoint_Run_InvalidConfig(t *testing.T) {
	s := testServer(t, nil)
	cc := rpcClient(t, s)

	var run structs.SessionRunResponse
	err := msgpackrpc.CallWithCodec(cc, "Session.Run", &structs.SessionRunRequest{}, &run)
	must.Error(t, err)
	must.StrContains(t, err.Error(), "session config is required")
}

func TestSessionEndpoint_List(t *testing.T) {
	s := testServer(t, nil)
	cc := rpcClient(t, s)

	for _, clientID := range []string{"x", "y"} {
		var run structs.SessionRunResponse
		err := msgpackrpc.CallWithCodec(cc, "Session.Run", &structs.SessionRunRequest{
			Config: &structs.SessionConfig{ClientID: clientID},
		}, &run)
		must.NoError(t, err)
	}

	var list structs.SessionListResponse
	err := msgpackrpc.CallWithCodec(cc, "Session.List", &structs.SessionListRequest{}, &list)
	must.NoError(t, err)
	must.Len(t, 2, list.Sessions)

	err = msgpackrpc.CallWithCodec(cc, "Session.List", &structs.SessionListRequest{
		Filter: &structs.SessionFilter{ClientIDInclude: "x"},
	}, &list)
	must.NoError(t, err)
	must.Len(t, 1, list.Sessions)
}

func TestSessionEndpoint_AbortAndNotify(t *testing.T) {
	block := newBlockPlugin()
	s := testServer(t, nil)
	s.RegisterSessionPlugin(block)
	cc := rpcClient(t, s)

	var create structs.SessionCreateResponse
	err := msgpackrpc.CallWithCodec(cc, "Session.Create", &structs.SessionCreateRequest{
		Config: &structs.SessionConfig{Plugins: []string{"block"}},
	}, &create)
	must.NoError(t, err)
	<-block.started

	var notify structs.SessionNotifyResponse
	err = msgpackrpc.CallWithCodec(cc, "Session.Notify", &structs.SessionNotifyRequest{
		IDs:          []string{create.Session.ID},
		Notification: &structs.SessionNotification{Message: "hi"},
	}, &notify)
	must.NoError(t, err)
	must.Eq(t, []string{create.Session.ID}, notify.NotifiedIDs)

	var abort structs.GenericResponse
	err = msgpackrpc.CallWithCodec(cc, "Session.Abort", &structs.SessionAbortRequest{
		IDs: []string{create.Session.ID},
	}, &abort)
	must.NoError(t, err)

	testutil.WaitForResult(func() (bool, error) {
		var get structs.SessionGetResponse
		if err := msgpackrpc.CallWithCodec(cc, "Session.Get", &structs.SessionSpecificRequest{
			ID: create.Session.ID,
		}, &get); err != nil {
			return false, err
		}
		return get.Session.Status == structs.SessionStatusFinished && get.Session.Aborted, nil
	}, func(err error) {
		t.Fatalf("session did not finish after abort: %v", err)
	})
}

func TestSessionEndpoint_Subscribe(t *testing.T) {
	s := testServer(t, nil)
	cc := rpcClient(t, s)

	conn, encoder, decoder := streamClient(t, s, "Session.Subscribe")
	must.NoError(t, encoder.Encode(&structs.SessionSubscribeRequest{ClientID: "console-1"}))
	must.NoError(t, encoder.Encode(&structs.SessionSubscribeSelect{All: true}))

	// Give the selection frame a moment to land before creating work.
	time.Sleep(100 * time.Millisecond)

	var run structs.SessionRunResponse
	err := msgpackrpc.CallWithCodec(cc, "Session.Run", &structs.SessionRunRequest{
		Config: &structs.SessionConfig{Name: "s"},
	}, &run)
	must.NoError(t, err)

	var statuses []structs.SessionStatus
	for len(statuses) < 3 {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var event structs.SessionSubscribeEvent
		must.NoError(t, decoder.Decode(&event))
		must.Nil(t, event.Error)
		must.Eq(t, run.Session.ID, event.Session.ID)
		statuses = append(statuses, event.Session.Status)
	}
	must.Eq(t, []structs.SessionStatus{
		structs.SessionStatusSubmitted,
		structs.SessionStatusRunning,
		structs.SessionStatusFinished,
	}, statuses)
}
