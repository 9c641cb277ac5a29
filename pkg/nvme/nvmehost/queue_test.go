// Copyright 2024 iXsystems, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// you may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nvmehost

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/truenas/nvmeof-client/pkg/nvme"
)

// pipeQueue builds a queue over one end of a pipe without starting the
// receiver or sweeper, for white-box registry tests.
func pipeQueue(t *testing.T, queueSize int, blockOnFull bool) *tcpQueue {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	log := logrus.WithField("test", t.Name())
	q := newTCPQueue(newConn(client, log), log, time.Second, queueSize, blockOnFull)
	q.setState(StateActive)
	return q
}

func TestCommandIDUniqueness(t *testing.T) {
	q := pipeQueue(t, 64, true)

	seen := make(map[uint16]bool)
	var slots []*commandSlot
	for i := 0; i < 64; i++ {
		slot, err := q.allocSlot(nvme.AdminIdentify, true, time.Now().Add(time.Minute))
		require.NoError(t, err)
		require.False(t, seen[slot.cmdID], "command id %#04x allocated twice", slot.cmdID)
		seen[slot.cmdID] = true
		slots = append(slots, slot)
	}

	// release one and reallocate: the freed id may be reused, but never
	// while another slot still owns it
	q.mu.Lock()
	q.removeSlotLocked(slots[10])
	q.mu.Unlock()

	slot, err := q.allocSlot(nvme.AdminIdentify, true, time.Now().Add(time.Minute))
	require.NoError(t, err)
	_, live := q.slots[slot.cmdID]
	assert.True(t, live)
	count := 0
	for _, s := range q.slots {
		if s.cmdID == slot.cmdID {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestAllocSlotFailsFastWhenFull(t *testing.T) {
	q := pipeQueue(t, 2, false)

	for i := 0; i < 2; i++ {
		_, err := q.allocSlot(nvme.AdminIdentify, true, time.Now().Add(time.Minute))
		require.NoError(t, err)
	}
	_, err := q.allocSlot(nvme.AdminIdentify, true, time.Now().Add(time.Minute))
	require.Error(t, err)
	assert.IsType(t, &nvme.TimeoutError{}, err)
}

func TestAllocSlotBlocksUntilFree(t *testing.T) {
	q := pipeQueue(t, 1, true)

	first, err := q.allocSlot(nvme.AdminIdentify, true, time.Now().Add(time.Minute))
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		_, err := q.allocSlot(nvme.AdminIdentify, true, time.Now().Add(time.Minute))
		got <- err
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-got:
		t.Fatal("allocation succeeded while the queue was full")
	default:
	}

	q.mu.Lock()
	q.removeSlotLocked(first)
	q.notFull.Broadcast()
	q.mu.Unlock()

	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("allocation did not resume after a slot freed")
	}
}

func TestRejectsCommandsWhenNotActive(t *testing.T) {
	q := pipeQueue(t, 8, true)
	q.setState(StateClosed)
	_, err := q.allocSlot(nvme.AdminIdentify, true, time.Now().Add(time.Minute))
	require.Error(t, err)
}

func TestCancelledSlotDiscardsCompletion(t *testing.T) {
	q := pipeQueue(t, 8, true)

	slot, err := q.allocSlot(nvme.NvmCmdRead, false, time.Now().Add(time.Minute))
	require.NoError(t, err)
	q.cancel(slot)

	// slot stays registered until its completion arrives
	q.mu.Lock()
	_, live := q.slots[slot.cmdID]
	q.mu.Unlock()
	assert.True(t, live)

	cqe := &nvme.Completion{CommandID: slot.cmdID}
	body, err := nvme.PackBody(cqe)
	require.NoError(t, err)
	raw, err := nvme.BuildPDU(nvme.PduTypeCapsuleRsp, 0, body, nil, false, false)
	require.NoError(t, err)
	env, err := nvme.ReadPDU(bytes.NewReader(raw), nvme.DefaultMaxPDULen)
	require.NoError(t, err)
	require.NoError(t, q.handleResponse(env))

	q.mu.Lock()
	_, live = q.slots[slot.cmdID]
	q.mu.Unlock()
	assert.False(t, live, "slot removed after discarded completion")

	select {
	case <-slot.done:
		t.Fatal("cancelled slot received a completion")
	default:
	}
}

func TestUnknownCommandIDIsTolerated(t *testing.T) {
	q := pipeQueue(t, 8, true)

	cqe := &nvme.Completion{CommandID: 0x4242}
	body, err := nvme.PackBody(cqe)
	require.NoError(t, err)
	raw, err := nvme.BuildPDU(nvme.PduTypeCapsuleRsp, 0, body, nil, false, false)
	require.NoError(t, err)
	env, err := nvme.ReadPDU(bytes.NewReader(raw), nvme.DefaultMaxPDULen)
	require.NoError(t, err)

	// logged and dropped, not fatal
	require.NoError(t, q.handleResponse(env))
	assert.Equal(t, StateActive, q.getState())
}

func TestC2HDataOverrunIsProtocolError(t *testing.T) {
	q := pipeQueue(t, 8, true)

	slot, err := q.allocSlot(nvme.NvmCmdRead, false, time.Now().Add(time.Minute))
	require.NoError(t, err)
	slot.expectLen = 512

	pdu := &nvme.DataPDU{CommandID: slot.cmdID, DataOffset: 256, DataLength: 512}
	body, err := nvme.PackBody(pdu)
	require.NoError(t, err)
	raw, err := nvme.BuildPDU(nvme.PduTypeC2HData, nvme.PduFlagLast, body, make([]byte, 512), false, false)
	require.NoError(t, err)
	env, err := nvme.ReadPDU(bytes.NewReader(raw), nvme.DefaultMaxPDULen)
	require.NoError(t, err)

	err = q.handleC2HData(env)
	require.Error(t, err)
	assert.IsType(t, &nvme.ProtocolError{}, err)
}

func TestC2HSuccessFlagCompletesWithoutCqe(t *testing.T) {
	q := pipeQueue(t, 8, true)

	slot, err := q.allocSlot(nvme.NvmCmdRead, false, time.Now().Add(time.Minute))
	require.NoError(t, err)
	slot.expectLen = 4

	pdu := &nvme.DataPDU{CommandID: slot.cmdID, DataOffset: 0, DataLength: 4}
	body, err := nvme.PackBody(pdu)
	require.NoError(t, err)
	raw, err := nvme.BuildPDU(nvme.PduTypeC2HData, nvme.PduFlagLast|nvme.PduFlagSuccess, body, []byte{1, 2, 3, 4}, false, false)
	require.NoError(t, err)
	env, err := nvme.ReadPDU(bytes.NewReader(raw), nvme.DefaultMaxPDULen)
	require.NoError(t, err)
	require.NoError(t, q.handleC2HData(env))

	select {
	case res := <-slot.done:
		require.NoError(t, res.err)
		assert.Equal(t, []byte{1, 2, 3, 4}, res.data)
		assert.False(t, res.cqe.Failed())
	default:
		t.Fatal("success-flagged data did not complete the slot")
	}
}

func TestTermReqFailsEverything(t *testing.T) {
	q := pipeQueue(t, 8, true)

	slot, err := q.allocSlot(nvme.NvmCmdRead, false, time.Now().Add(time.Minute))
	require.NoError(t, err)

	term := &nvme.TermPDU{Fes: nvme.TermHdgstError, Fei: 42}
	body, err := nvme.PackBody(term)
	require.NoError(t, err)
	raw, err := nvme.BuildPDU(nvme.PduTypeC2HTermReq, 0, body, nil, false, false)
	require.NoError(t, err)
	env, err := nvme.ReadPDU(bytes.NewReader(raw), nvme.DefaultMaxPDULen)
	require.NoError(t, err)

	err = q.handleTermReq(env)
	require.Error(t, err)
	protoErr, ok := err.(*nvme.ProtocolError)
	require.True(t, ok)
	assert.Equal(t, nvme.TermHdgstError, protoErr.Fes)

	q.fail(protoErr)
	res := <-slot.done
	assert.Equal(t, protoErr, res.err)
	q.mu.Lock()
	assert.Empty(t, q.slots, "registry drained on failure")
	q.mu.Unlock()
	assert.Equal(t, StateClosed, q.getState())
}

func TestAsyncEventQueueOverflowDropsOldest(t *testing.T) {
	q := pipeQueue(t, 8, true)

	q.mu.Lock()
	for i := 0; i < aenQueueDepth+6; i++ {
		q.pushAsyncEventLocked(nvme.DecodeAsyncEvent(uint32(2) | uint32(i)<<16))
	}
	q.mu.Unlock()

	assert.Equal(t, uint64(6), q.asyncEventsDropped())
	events := q.drainAsyncEvents(0)
	require.Len(t, events, aenQueueDepth)
	// the oldest six were dropped; the first survivor is event number six
	assert.Equal(t, uint8(6), events[0].LogPageID)
}
