// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/devicelab/devicelab/structs"
	"github.com/hashicorp/devicelab/helper/testlog"
)

func TestEventBroker_HandlerDispatch(t *testing.T) {
	broker := NewEventBroker(testlog.HCLogger(t))

	var allocCount, allCount atomic.Int64
	broker.RegisterHandler("alloc", structs.TopicAllocation, HandlerFunc(func(e *structs.Event) error {
		allocCount.Add(1)
		return nil
	}))
	broker.RegisterHandler("all", structs.TopicAll, HandlerFunc(func(e *structs.Event) error {
		allCount.Add(1)
		return nil
	}))

	broker.Publish(&structs.Event{Topic: structs.TopicAllocation, Type: structs.TypeAllocationCreated})
	broker.Publish(&structs.Event{Topic: structs.TopicSession, Type: structs.TypeSessionStatusChanged})

	must.Eq(t, int64(1), allocCount.Load())
	must.Eq(t, int64(2), allCount.Load())
}

func TestEventBroker_HandlerErrorDoesNotStopDelivery(t *testing.T) {
	broker := NewEventBroker(testlog.HCLogger(t))

	var delivered atomic.Bool
	broker.RegisterHandler("bad", structs.TopicAllocation, HandlerFunc(func(e *structs.Event) error {
		return errors.New("rejected")
	}))
	broker.RegisterHandler("good", structs.TopicAllocation, HandlerFunc(func(e *structs.Event) error {
		delivered.Store(true)
		return nil
	}))

	broker.Publish(&structs.Event{Topic: structs.TopicAllocation, Type: structs.TypeAllocationCreated})
	must.True(t, delivered.Load())
}

func TestEventBroker_Subscription(t *testing.T) {
	broker := NewEventBroker(testlog.HCLogger(t))

	sub := broker.Subscribe(structs.TopicSession, 4)
	defer sub.Close()

	broker.Publish(&structs.Event{Topic: structs.TopicAllocation, Type: structs.TypeAllocationCreated})
	broker.Publish(&structs.Event{Topic: structs.TopicSession, Type: structs.TypeSessionStatusChanged, Key: "s1"})

	got := <-sub.Events()
	must.Eq(t, structs.TopicSession, got.Topic)
	must.Eq(t, "s1", got.Key)

	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected event: %#v", e)
	default:
	}
}

func TestEventBroker_SubscriptionDropsWhenFull(t *testing.T) {
	broker := NewEventBroker(testlog.HCLogger(t))

	sub := broker.Subscribe(structs.TopicAll, 1)
	defer sub.Close()

	broker.Publish(&structs.Event{Topic: structs.TopicSession, Key: "kept"})
	broker.Publish(&structs.Event{Topic: structs.TopicSession, Key: "dropped"})

	must.Eq(t, 1, sub.Dropped())
	got := <-sub.Events()
	must.Eq(t, "kept", got.Key)
}

func TestEventBroker_CloseIdempotent(t *testing.T) {
	broker := NewEventBroker(testlog.HCLogger(t))
	sub := broker.Subscribe(structs.TopicAll, 1)
	sub.Close()
	sub.Close()

	// Publishing after close must not panic.
	broker.Publish(&structs.Event{Topic: structs.TopicSession})
}
