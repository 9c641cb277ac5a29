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
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/truenas/nvmeof-client/pkg/metrics"
	"github.com/truenas/nvmeof-client/pkg/nvme"
)

// State tracks the connection lifecycle.
type State int

const (
	StateClosed State = iota
	StateTCPConnected
	StateIcComplete
	StateAdminReady
	StateActive
	StateFailing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateTCPConnected:
		return "tcp-connected"
	case StateIcComplete:
		return "ic-complete"
	case StateAdminReady:
		return "admin-ready"
	case StateActive:
		return "active"
	case StateFailing:
		return "failing"
	}
	return "unknown"
}

const (
	// timeoutSweepInterval is the resolution of the deadline sweeper.
	timeoutSweepInterval = 100 * time.Millisecond
	// aenQueueDepth bounds the decoded async event FIFO.
	aenQueueDepth = 64
)

type completionResult struct {
	cqe  *nvme.Completion
	data []byte
	err  error
}

// commandSlot is one live entry of the request registry.
type commandSlot struct {
	cmdID     uint16
	opcode    uint8
	admin     bool
	aen       bool
	cancelled bool
	deadline  time.Time // zero means no deadline (pre-posted AENs)

	expectLen uint32 // data-in transfer size, 0 for commands without data-in
	data      []byte // assembled by DATAO, not by arrival order
	received  uint32
	lastSeen  bool
	cqe       *nvme.Completion // completion retained until the last C2H arrives

	writeData []byte // pending data-out payload, consumed by R2T

	done chan completionResult // buffered; receives exactly once
}

// tcpQueue is the command engine: it owns the request registry, the
// receiver goroutine, the timeout sweeper and the keep-alive loop.
type tcpQueue struct {
	conn *conn
	log  *logrus.Entry
	addr string

	mu          sync.Mutex
	notFull     *sync.Cond
	slots       map[uint16]*commandSlot
	freeIDs     []uint16
	nextID      uint16
	maxInflight int
	state       State
	failure     error

	aenCh      chan *nvme.AsyncEvent
	aenDropped uint64

	cmdTimeout  time.Duration
	blockOnFull bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newTCPQueue(c *conn, log *logrus.Entry, cmdTimeout time.Duration, queueSize int, blockOnFull bool) *tcpQueue {
	q := &tcpQueue{
		conn:        c,
		log:         log,
		addr:        c.tcpConn.RemoteAddr().String(),
		slots:       make(map[uint16]*commandSlot),
		nextID:      1,
		maxInflight: queueSize,
		state:       StateTCPConnected,
		aenCh:       make(chan *nvme.AsyncEvent, aenQueueDepth),
		cmdTimeout:  cmdTimeout,
		blockOnFull: blockOnFull,
		stopCh:      make(chan struct{}),
	}
	q.notFull = sync.NewCond(&q.mu)
	metrics.Metrics.OpenConnections.WithLabelValues(q.addr).Inc()
	return q
}

// start launches the receiver and the timeout sweeper. Called once the
// ICReq/ICResp exchange is done and the socket carries capsules only.
func (q *tcpQueue) start() {
	q.wg.Add(2)
	go q.receiverLoop()
	go q.sweeperLoop()
}

func (q *tcpQueue) setState(s State) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.log.Debugf("connection state %s -> %s", q.state, s)
	q.state = s
}

func (q *tcpQueue) getState() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// setMaxInflight lowers the in-flight cap to MQES once it is known; a larger
// MQES leaves the configured queue size in place.
func (q *tcpQueue) setMaxInflight(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > 0 && n < q.maxInflight {
		q.maxInflight = n
	}
	q.notFull.Broadcast()
}

// allocSlot reserves a command id and inserts a fresh registry slot. When
// the in-flight count is at the cap it blocks (or fails, per
// configuration) until a slot frees.
func (q *tcpQueue) allocSlot(opcode uint8, admin bool, deadline time.Time) (*commandSlot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	waitDeadline := time.Now().Add(q.cmdTimeout)
	for len(q.slots) >= q.maxInflight {
		if q.state != StateActive && q.state != StateAdminReady && q.state != StateIcComplete {
			return nil, q.failureLocked()
		}
		if !q.blockOnFull {
			return nil, &nvme.TimeoutError{Op: "command slot allocation", Timeout: "0s"}
		}
		if time.Now().After(waitDeadline) {
			return nil, &nvme.TimeoutError{Op: "command slot allocation", Timeout: q.cmdTimeout.String()}
		}
		// Cond has no deadline wait; the sweeper broadcasts every tick.
		q.notFull.Wait()
	}

	if q.state != StateActive && q.state != StateAdminReady && q.state != StateIcComplete {
		return nil, q.failureLocked()
	}

	id, err := q.allocIDLocked()
	if err != nil {
		return nil, err
	}
	slot := &commandSlot{
		cmdID:    id,
		opcode:   opcode,
		admin:    admin,
		deadline: deadline,
		done:     make(chan completionResult, 1),
	}
	q.slots[id] = slot
	metrics.Metrics.InflightCommands.WithLabelValues(q.addr).Inc()
	return slot, nil
}

func (q *tcpQueue) allocIDLocked() (uint16, error) {
	if n := len(q.freeIDs); n > 0 {
		id := q.freeIDs[n-1]
		q.freeIDs = q.freeIDs[:n-1]
		if _, live := q.slots[id]; !live {
			return id, nil
		}
	}
	for tries := 0; tries < 1<<16; tries++ {
		id := q.nextID
		q.nextID++
		if _, live := q.slots[id]; !live {
			return id, nil
		}
	}
	return 0, &nvme.ProtocolError{Reason: "command id space exhausted"}
}

// removeSlotLocked drops a slot from the registry and recycles its id.
func (q *tcpQueue) removeSlotLocked(slot *commandSlot) {
	if _, live := q.slots[slot.cmdID]; !live {
		return
	}
	delete(q.slots, slot.cmdID)
	q.freeIDs = append(q.freeIDs, slot.cmdID)
	metrics.Metrics.InflightCommands.WithLabelValues(q.addr).Dec()
	q.notFull.Broadcast()
}

// submit encodes the SQE and hands the capsule to the transport. Inline
// data rides in the command capsule; nil data sends a bare capsule.
func (q *tcpQueue) submit(slot *commandSlot, sqe interface{}, inlineData []byte) error {
	if err := q.conn.sendPDU(nvme.PduTypeCapsuleCmd, 0, sqe, inlineData); err != nil {
		q.mu.Lock()
		q.removeSlotLocked(slot)
		q.mu.Unlock()
		q.fail(err)
		return err
	}
	return nil
}

// wait blocks until the slot completes, times out or the connection dies.
func (q *tcpQueue) wait(slot *commandSlot) (*nvme.Completion, []byte, error) {
	select {
	case res := <-slot.done:
		return res.cqe, res.data, res.err
	case <-q.stopCh:
		// the closing path delivers to every slot before stopCh closes;
		// prefer the delivered result when both are ready
		select {
		case res := <-slot.done:
			return res.cqe, res.data, res.err
		default:
		}
		return nil, nil, &nvme.ConnectionError{Reason: "connection closed while waiting for completion"}
	}
}

// cancel marks a slot abandoned. The slot stays registered until its CQE
// arrives or the connection closes; the completion is then discarded.
func (q *tcpQueue) cancel(slot *commandSlot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	slot.cancelled = true
}

// deliver completes a slot. Caller must hold the lock.
func (q *tcpQueue) deliverLocked(slot *commandSlot, res completionResult) {
	q.removeSlotLocked(slot)
	if slot.cancelled {
		q.log.Debugf("discarding completion for cancelled command %#04x", slot.cmdID)
		return
	}
	slot.done <- res
}

func (q *tcpQueue) failureLocked() error {
	if q.failure != nil {
		return q.failure
	}
	return &nvme.ConnectionError{Reason: fmt.Sprintf("connection is %s", q.state)}
}

// fail tears the connection down: every outstanding slot is completed with
// err and the socket is closed. Safe to call from any goroutine; the first
// caller wins.
func (q *tcpQueue) fail(err error) {
	q.mu.Lock()
	if q.state == StateClosed || q.state == StateFailing {
		q.mu.Unlock()
		return
	}
	q.state = StateFailing
	q.failure = err
	q.log.WithError(err).Errorf("failing connection, draining %d outstanding commands", len(q.slots))
	for _, slot := range q.slots {
		q.deliverLocked(slot, completionResult{err: err})
	}
	q.state = StateClosed
	q.notFull.Broadcast()
	q.mu.Unlock()

	close(q.stopCh)
	q.conn.close()
	metrics.Metrics.OpenConnections.WithLabelValues(q.addr).Dec()
}

// close performs an orderly disconnect. NVMe/TCP defines no goodbye PDU;
// closing the socket is the protocol.
func (q *tcpQueue) close() {
	q.fail(&nvme.ConnectionError{Reason: "connection closed"})
	q.wg.Wait()
}

func (q *tcpQueue) closed() bool {
	select {
	case <-q.stopCh:
		return true
	default:
		return false
	}
}

// receiverLoop is the sole socket reader: it demultiplexes every inbound
// PDU to the slot owning its command id.
func (q *tcpQueue) receiverLoop() {
	defer q.wg.Done()
	for {
		env, err := q.conn.recvPDU(time.Time{})
		if err != nil {
			if q.closed() {
				return
			}
			q.fail(err)
			return
		}
		if err := q.handlePDU(env); err != nil {
			q.fail(err)
			return
		}
	}
}

func (q *tcpQueue) handlePDU(env *nvme.PDUEnvelope) error {
	switch env.Hdr.Type {
	case nvme.PduTypeCapsuleRsp:
		return q.handleResponse(env)
	case nvme.PduTypeC2HData:
		return q.handleC2HData(env)
	case nvme.PduTypeR2T:
		return q.handleR2T(env)
	case nvme.PduTypeC2HTermReq:
		return q.handleTermReq(env)
	default:
		return &nvme.ProtocolError{Reason: fmt.Sprintf("unexpected pdu type %#02x from controller", env.Hdr.Type)}
	}
}

func (q *tcpQueue) handleResponse(env *nvme.PDUEnvelope) error {
	cqe := &nvme.Completion{}
	if err := env.UnpackBody(cqe); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	slot, ok := q.slots[cqe.CommandID]
	if !ok {
		// late completion of a timed out or unknown command
		q.log.Warnf("completion for unknown command id %#04x, status %s", cqe.CommandID, nvme.FormatStatus(cqe.Status))
		return nil
	}

	if slot.aen {
		q.removeSlotLocked(slot)
		if cqe.Failed() {
			q.log.Warnf("async event request %#04x failed: %s", cqe.CommandID, nvme.FormatStatus(cqe.Status))
			return nil
		}
		q.pushAsyncEventLocked(nvme.DecodeAsyncEvent(cqe.Result.U32()))
		return nil
	}

	// The controller may push C2HData after the CQE; hold the completion
	// until the last data PDU lands.
	if slot.expectLen > 0 && !slot.lastSeen && !cqe.Failed() && slot.received < slot.expectLen {
		slot.cqe = cqe
		return nil
	}
	q.deliverLocked(slot, completionResult{cqe: cqe, data: slot.data})
	return nil
}

func (q *tcpQueue) handleC2HData(env *nvme.PDUEnvelope) error {
	pdu := &nvme.DataPDU{}
	if err := env.UnpackBody(pdu); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	slot, ok := q.slots[pdu.CommandID]
	if !ok {
		q.log.Warnf("c2h data for unknown command id %#04x", pdu.CommandID)
		return nil
	}
	if uint32(len(env.Data)) != pdu.DataLength {
		return &nvme.ProtocolError{Reason: fmt.Sprintf("c2h data pdu announces %d bytes, carries %d", pdu.DataLength, len(env.Data))}
	}
	end := uint64(pdu.DataOffset) + uint64(pdu.DataLength)
	if end > uint64(slot.expectLen) {
		return &nvme.ProtocolError{Reason: fmt.Sprintf("c2h data for command %#04x overruns buffer: offset %d + length %d > %d",
			pdu.CommandID, pdu.DataOffset, pdu.DataLength, slot.expectLen)}
	}
	if slot.data == nil {
		slot.data = make([]byte, slot.expectLen)
	}
	copy(slot.data[pdu.DataOffset:], env.Data)
	slot.received += pdu.DataLength

	if env.Hdr.Flags&nvme.PduFlagLast == 0 {
		return nil
	}
	if env.Hdr.Flags&nvme.PduFlagSuccess != 0 {
		// no CapsuleResp follows; synthesize the successful completion
		cqe := &nvme.Completion{CommandID: slot.cmdID}
		q.deliverLocked(slot, completionResult{cqe: cqe, data: slot.data})
		return nil
	}
	if slot.cqe != nil {
		q.deliverLocked(slot, completionResult{cqe: slot.cqe, data: slot.data})
		return nil
	}
	slot.lastSeen = true
	return nil
}

// handleR2T answers a Ready-to-Transfer with H2CData PDUs sliced from the
// slot's pending write payload, honouring R2TO, R2TL and MAXH2CDATA.
func (q *tcpQueue) handleR2T(env *nvme.PDUEnvelope) error {
	r2t := &nvme.R2TPDU{}
	if err := env.UnpackBody(r2t); err != nil {
		return err
	}

	q.mu.Lock()
	slot, ok := q.slots[r2t.CommandID]
	var payload []byte
	if ok {
		payload = slot.writeData
	}
	q.mu.Unlock()
	if !ok {
		q.log.Warnf("r2t for unknown command id %#04x", r2t.CommandID)
		return nil
	}

	end := uint64(r2t.R2TOffset) + uint64(r2t.R2TLength)
	if end > uint64(len(payload)) {
		return &nvme.ProtocolError{Reason: fmt.Sprintf("r2t for command %#04x requests bytes %d..%d of a %d byte payload",
			r2t.CommandID, r2t.R2TOffset, end, len(payload))}
	}

	maxChunk := q.conn.maxH2CData
	if maxChunk == 0 {
		maxChunk = r2t.R2TLength
	}
	for off := r2t.R2TOffset; off < uint32(end); {
		chunk := uint32(end) - off
		if chunk > maxChunk {
			chunk = maxChunk
		}
		flags := uint8(0)
		if off+chunk == uint32(end) {
			flags = nvme.PduFlagLast
		}
		pdu := &nvme.DataPDU{
			CommandID:  r2t.CommandID,
			TTag:       r2t.TTag,
			DataOffset: off,
			DataLength: chunk,
		}
		if err := q.conn.sendPDU(nvme.PduTypeH2CData, flags, pdu, payload[off:off+chunk]); err != nil {
			return err
		}
		off += chunk
	}
	return nil
}

func (q *tcpQueue) handleTermReq(env *nvme.PDUEnvelope) error {
	term := &nvme.TermPDU{}
	if err := env.UnpackBody(term); err != nil {
		return err
	}
	return &nvme.ProtocolError{
		Reason: "controller sent terminate request",
		Fes:    term.Fes,
		Fei:    term.Fei,
	}
}

// sweeperLoop fails slots whose deadline has passed. The controller may
// still complete them later; those completions are logged and discarded.
func (q *tcpQueue) sweeperLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(timeoutSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case now := <-ticker.C:
			q.mu.Lock()
			for _, slot := range q.slots {
				if slot.deadline.IsZero() || now.Before(slot.deadline) {
					continue
				}
				q.log.Warnf("command %#04x (%s) timed out", slot.cmdID, nvme.OpcodeName(slot.opcode, slot.admin))
				metrics.Metrics.CommandTimeouts.WithLabelValues(q.addr).Inc()
				q.deliverLocked(slot, completionResult{err: &nvme.TimeoutError{
					Op:      nvme.OpcodeName(slot.opcode, slot.admin),
					Timeout: q.cmdTimeout.String(),
				}})
				// keep the id off the free list so a late completion is not
				// matched to the next command
				if n := len(q.freeIDs); n > 0 && q.freeIDs[n-1] == slot.cmdID {
					q.freeIDs = q.freeIDs[:n-1]
				}
			}
			// wake slot allocation waiters so their own deadline can fire
			q.notFull.Broadcast()
			q.mu.Unlock()
		}
	}
}

// keepAliveLoop sends a Keep Alive command every kato/2. A keep-alive that
// fails or times out tears the connection down.
func (q *tcpQueue) keepAliveLoop(kato time.Duration, sendKeepAlive func() error) {
	defer q.wg.Done()
	ticker := time.NewTicker(kato / 2)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if err := sendKeepAlive(); err != nil {
				q.log.WithError(err).Error("keep alive failed, tearing connection down")
				metrics.Metrics.KeepAliveFailures.WithLabelValues(q.addr).Inc()
				q.fail(&nvme.ConnectionError{Reason: "keep alive failed", Err: err})
				return
			}
		}
	}
}

func (q *tcpQueue) startKeepAlive(kato time.Duration, sendKeepAlive func() error) {
	q.wg.Add(1)
	go q.keepAliveLoop(kato, sendKeepAlive)
}

// pushAsyncEventLocked appends to the bounded AEN FIFO, dropping the
// oldest undelivered event on overflow.
func (q *tcpQueue) pushAsyncEventLocked(event *nvme.AsyncEvent) {
	metrics.Metrics.AsyncEventsReceived.WithLabelValues(q.addr).Inc()
	for {
		select {
		case q.aenCh <- event:
			return
		default:
		}
		select {
		case <-q.aenCh:
			q.aenDropped++
			metrics.Metrics.AsyncEventsDropped.WithLabelValues(q.addr).Inc()
			q.log.Warnf("async event queue full, dropped oldest event (%d dropped total)", q.aenDropped)
		default:
		}
	}
}

// drainAsyncEvents returns queued events, waiting up to timeout for the
// first one.
func (q *tcpQueue) drainAsyncEvents(timeout time.Duration) []*nvme.AsyncEvent {
	var events []*nvme.AsyncEvent
	if timeout > 0 && len(q.aenCh) == 0 {
		select {
		case event := <-q.aenCh:
			events = append(events, event)
		case <-time.After(timeout):
			return nil
		case <-q.stopCh:
			return nil
		}
	}
	for {
		select {
		case event := <-q.aenCh:
			events = append(events, event)
		default:
			return events
		}
	}
}

// asyncEventsDropped reports the overflow counter.
func (q *tcpQueue) asyncEventsDropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.aenDropped
}
