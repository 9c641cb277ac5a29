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
	"bufio"
	"encoding/binary"
	"net"
	"sync"
	"testing"

	"github.com/truenas/nvmeof-client/pkg/nvme"
)

// testTarget is a minimal in-process NVMe/TCP controller serving exactly
// one host connection, enough to exercise the client end to end.
type testTarget struct {
	t        *testing.T
	listener net.Listener

	mu      sync.Mutex
	conn    net.Conn
	hdgst   bool
	ddgst   bool
	stopped bool

	// behaviour knobs
	grantDigest   uint8
	maxH2CData    uint32
	ioccsz        uint32
	cntlid        uint16
	model         string
	serial        string
	subnqn        string
	blockSize     uint32
	nsBlocks      uint64
	dropOpcode    uint8 // NVM opcode silently ignored, 0xff for none
	cqeBeforeData bool  // send the CQE before the C2HData PDUs

	cc      uint32
	aenMask uint32

	storage     map[uint32][]byte
	pending     map[uint16][]byte // write payloads arriving via H2CData
	pendingDest []pendingWrite

	aenPending []uint16

	anaLog       []byte
	discoveryLog []byte

	resvMu     sync.Mutex
	resvKeys   map[uint64]bool // key -> holds reservation
	resvType   nvme.ReservationType
	resvGen    uint32
	resvHostID [16]byte
}

func newTestTarget(t *testing.T) *testTarget {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	target := &testTarget{
		t:           t,
		listener:    listener,
		grantDigest: nvme.DigestHeaderEnable | nvme.DigestDataEnable,
		maxH2CData:  0x10000,
		ioccsz:      260, // 4096 bytes of in-capsule data
		cntlid:      0x0001,
		model:       "Test NVMe-oF Controller     ",
		serial:      "TESTSN01",
		subnqn:      "nqn.2024-01.com.example:s1",
		blockSize:   512,
		nsBlocks:    128,
		dropOpcode:  0xff,
		storage:     make(map[uint32][]byte),
		pending:     make(map[uint16][]byte),
		resvKeys:    make(map[uint64]bool),
	}
	go target.serve()
	return target
}

func (tt *testTarget) port() int {
	return tt.listener.Addr().(*net.TCPAddr).Port
}

func (tt *testTarget) options() Options {
	opts := DefaultOptions("127.0.0.1")
	opts.Port = tt.port()
	opts.SubsystemNqn = tt.subnqn
	opts.HostNqn = "nqn.2014-08.org.nvmexpress:uuid:11111111-2222-3333-4444-555555555555"
	return opts
}

func (tt *testTarget) stop() {
	tt.mu.Lock()
	tt.stopped = true
	conn := tt.conn
	tt.mu.Unlock()
	tt.listener.Close()
	if conn != nil {
		conn.Close()
	}
}

func (tt *testTarget) serve() {
	conn, err := tt.listener.Accept()
	if err != nil {
		return
	}
	tt.mu.Lock()
	tt.conn = conn
	tt.mu.Unlock()

	reader := bufio.NewReader(conn)
	for {
		env, err := nvme.ReadPDU(reader, nvme.DefaultMaxPDULen)
		if err != nil {
			tt.mu.Lock()
			stopped := tt.stopped
			tt.mu.Unlock()
			if !stopped {
				tt.t.Logf("target read: %v", err)
			}
			return
		}
		switch env.Hdr.Type {
		case nvme.PduTypeICReq:
			tt.handleICReq(env)
		case nvme.PduTypeCapsuleCmd:
			tt.handleCommand(env)
		case nvme.PduTypeH2CData:
			tt.handleH2CData(env)
		default:
			tt.t.Logf("target: unexpected pdu type %#02x", env.Hdr.Type)
		}
	}
}

func (tt *testTarget) send(pduType uint8, flags uint8, body interface{}, data []byte) {
	bodyBytes, err := nvme.PackBody(body)
	if err != nil {
		tt.t.Errorf("target pack: %v", err)
		return
	}
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.conn == nil {
		return
	}
	hdgst, ddgst := tt.hdgst, tt.ddgst
	if pduType == nvme.PduTypeICResp {
		hdgst, ddgst = false, false
	}
	raw, err := nvme.BuildPDU(pduType, flags, bodyBytes, data, hdgst, ddgst)
	if err != nil {
		tt.t.Errorf("target build: %v", err)
		return
	}
	tt.conn.Write(raw)
}

func (tt *testTarget) sendCQE(cmdID uint16, status uint16, dw0 uint32) {
	cqe := &nvme.Completion{CommandID: cmdID, Status: status}
	cqe.Result.SetU32(dw0)
	tt.send(nvme.PduTypeCapsuleRsp, 0, cqe, nil)
}

func (tt *testTarget) sendCQE64(cmdID uint16, value uint64) {
	cqe := &nvme.Completion{CommandID: cmdID}
	cqe.Result.SetU64(value)
	tt.send(nvme.PduTypeCapsuleRsp, 0, cqe, nil)
}

func (tt *testTarget) sendC2H(cmdID uint16, offset uint32, data []byte, last bool) {
	flags := uint8(0)
	if last {
		flags = nvme.PduFlagLast
	}
	pdu := &nvme.DataPDU{CommandID: cmdID, DataOffset: offset, DataLength: uint32(len(data))}
	tt.send(nvme.PduTypeC2HData, flags, pdu, data)
}

func statusField(sct, sc uint8) uint16 {
	return uint16(sc)<<1 | uint16(sct)<<9
}

func (tt *testTarget) handleICReq(env *nvme.PDUEnvelope) {
	icreq := &nvme.ICReqPDU{}
	if err := env.UnpackBody(icreq); err != nil {
		tt.t.Errorf("target icreq: %v", err)
		return
	}
	granted := icreq.Digest & tt.grantDigest
	icresp := &nvme.ICRespPDU{
		Pfv:     nvme.PfvVersion10,
		Cpda:    0,
		Digest:  granted,
		Maxdata: tt.maxH2CData,
	}
	tt.send(nvme.PduTypeICResp, 0, icresp, nil)
	// digests apply starting with the first capsule
	tt.mu.Lock()
	tt.hdgst = granted&nvme.DigestHeaderEnable != 0
	tt.ddgst = granted&nvme.DigestDataEnable != 0
	tt.mu.Unlock()
}

func (tt *testTarget) handleCommand(env *nvme.PDUEnvelope) {
	sqe := env.Body
	le := binary.LittleEndian
	opcode := sqe[0]
	cmdID := le.Uint16(sqe[2:])
	nsid := le.Uint32(sqe[4:])
	sglLen := le.Uint32(sqe[32:])
	cdw10 := le.Uint32(sqe[40:])
	cdw11 := le.Uint32(sqe[44:])
	cdw12 := le.Uint32(sqe[48:])

	if opcode == tt.dropOpcode {
		return
	}

	switch opcode {
	case nvme.FabricsCommand:
		tt.handleFabrics(env, cmdID)
	case nvme.AdminIdentify:
		tt.handleIdentify(cmdID, cdw10&0xff, nsid)
	case nvme.AdminGetLogPage:
		// AdminGetLogPage and NvmCmdRead share opcode 0x02 (admin and NVM
		// command sets have independent opcode spaces); distinguish by NSID,
		// which Get Log Page always sets to 0 or 0xffffffff in this client.
		if nsid == 0 || nsid == 0xffffffff {
			numd := uint64(cdw10>>16) | uint64(cdw11&0xffff)<<16
			size := uint32((numd + 1) * 4)
			offset := uint64(cdw12)
			tt.handleGetLogPage(cmdID, uint8(cdw10&0xff), size, offset)
		} else {
			tt.handleRead(cmdID, nsid, uint64(cdw10)|uint64(cdw11)<<32, cdw12+1)
		}
	case nvme.AdminSetFeatures:
		if uint8(cdw10&0xff) == nvme.FeatureAsyncEventConfig {
			tt.aenMask = cdw11
		}
		tt.sendCQE(cmdID, 0, cdw11)
	case nvme.AdminGetFeatures:
		tt.sendCQE(cmdID, 0, tt.aenMask)
	case nvme.AdminKeepAlive:
		tt.sendCQE(cmdID, 0, 0)
	case nvme.AdminAsyncEvent:
		tt.mu.Lock()
		tt.aenPending = append(tt.aenPending, cmdID)
		tt.mu.Unlock()
	case nvme.NvmCmdWrite:
		tt.handleWrite(cmdID, nsid, uint64(cdw10)|uint64(cdw11)<<32, env.Data, sglLen)
	case nvme.NvmCmdFlush, nvme.NvmCmdWriteZeroes, nvme.NvmCmdWriteUncor:
		if opcode == nvme.NvmCmdWriteZeroes {
			tt.zeroRange(nsid, uint64(cdw10)|uint64(cdw11)<<32, cdw12+1)
		}
		tt.sendCQE(cmdID, 0, 0)
	case nvme.NvmCmdResvRegister:
		tt.handleResvRegister(cmdID, cdw10, env.Data)
	case nvme.NvmCmdResvAcquire:
		tt.handleResvAcquire(cmdID, cdw10, env.Data)
	case nvme.NvmCmdResvRelease:
		tt.handleResvRelease(cmdID, cdw10, env.Data)
	case nvme.NvmCmdResvReport:
		tt.handleResvReport(cmdID, sglLen)
	default:
		tt.sendCQE(cmdID, statusField(nvme.SctGeneric, nvme.ScInvalidOpcode), 0)
	}
}

func (tt *testTarget) handleFabrics(env *nvme.PDUEnvelope, cmdID uint16) {
	fctype := env.Body[4]
	le := binary.LittleEndian
	switch fctype {
	case nvme.FabricsConnect:
		if len(env.Data) != nvme.ConnectDataLen {
			tt.sendCQE(cmdID, statusField(nvme.SctCommandSpecific, nvme.ScConnectInvalidParam), 0)
			return
		}
		tt.sendCQE(cmdID, 0, uint32(tt.cntlid))
	case nvme.FabricsPropertyGet:
		offset := le.Uint32(env.Body[44:])
		switch offset {
		case nvme.PropCap:
			// mqes 63, timeout 15s
			tt.sendCQE64(cmdID, uint64(63)|uint64(30)<<24)
		case nvme.PropVs:
			tt.sendCQE64(cmdID, 0x00010400)
		case nvme.PropCc:
			tt.sendCQE64(cmdID, uint64(tt.cc))
		case nvme.PropCsts:
			csts := uint64(0)
			if tt.cc&nvme.CcEnable != 0 {
				csts = 1
			}
			tt.sendCQE64(cmdID, csts)
		default:
			tt.sendCQE(cmdID, statusField(nvme.SctGeneric, nvme.ScInvalidField), 0)
		}
	case nvme.FabricsPropertySet:
		offset := le.Uint32(env.Body[44:])
		value := le.Uint64(env.Body[48:])
		if offset == nvme.PropCc {
			tt.cc = uint32(value)
		}
		tt.sendCQE(cmdID, 0, 0)
	default:
		tt.sendCQE(cmdID, statusField(nvme.SctGeneric, nvme.ScInvalidOpcode), 0)
	}
}

func (tt *testTarget) handleIdentify(cmdID uint16, cns uint32, nsid uint32) {
	var data []byte
	switch cns {
	case nvme.CnsController:
		data = tt.identifyControllerData()
	case nvme.CnsNamespace:
		if nsid != 1 {
			tt.sendCQE(cmdID, statusField(nvme.SctGeneric, nvme.ScInvalidNamespace), 0)
			return
		}
		data = tt.identifyNamespaceData()
	case nvme.CnsNamespaceList:
		data = make([]byte, nvme.IdentifyDataLen)
		binary.LittleEndian.PutUint32(data[0:], 1)
	default:
		tt.sendCQE(cmdID, statusField(nvme.SctGeneric, nvme.ScInvalidField), 0)
		return
	}
	tt.sendDataAndCQE(cmdID, data)
}

// sendDataAndCQE pushes a data-in payload, split across two C2HData PDUs
// when possible so offset reassembly gets exercised, in the ordering the
// cqeBeforeData knob selects.
func (tt *testTarget) sendDataAndCQE(cmdID uint16, data []byte) {
	sendData := func() {
		if len(data) > 512 {
			tt.sendC2H(cmdID, 0, data[:512], false)
			tt.sendC2H(cmdID, 512, data[512:], true)
		} else {
			tt.sendC2H(cmdID, 0, data, true)
		}
	}
	if tt.cqeBeforeData {
		tt.sendCQE(cmdID, 0, 0)
		sendData()
	} else {
		sendData()
		tt.sendCQE(cmdID, 0, 0)
	}
}

func (tt *testTarget) identifyControllerData() []byte {
	data := make([]byte, nvme.IdentifyDataLen)
	le := binary.LittleEndian
	copy(data[4:24], tt.serial)
	copy(data[24:64], tt.model)
	copy(data[64:72], "1.0     ")
	le.PutUint16(data[78:], tt.cntlid)
	le.PutUint32(data[80:], 0x00010400)
	le.PutUint16(data[514:], 64) // maxcmd
	le.PutUint32(data[516:], 1)  // nn
	le.PutUint16(data[320:], 1200)
	le.PutUint32(data[344:], 2) // anagrpmax
	le.PutUint32(data[540:], 8) // mnan
	copy(data[768:], tt.subnqn)
	le.PutUint32(data[1792:], tt.ioccsz)
	return data
}

func (tt *testTarget) identifyNamespaceData() []byte {
	data := make([]byte, nvme.IdentifyDataLen)
	le := binary.LittleEndian
	le.PutUint64(data[0:], tt.nsBlocks)
	le.PutUint64(data[8:], tt.nsBlocks)
	data[25] = 0    // nlbaf
	data[26] = 0    // flbas
	data[31] = 0xff // rescap
	lbads := uint32(0)
	for bs := tt.blockSize; bs > 1; bs >>= 1 {
		lbads++
	}
	le.PutUint32(data[128:], lbads<<16)
	return data
}

func (tt *testTarget) zeroRange(nsid uint32, slba uint64, nblocks uint32) {
	storage := tt.nsStorage(nsid)
	start := slba * uint64(tt.blockSize)
	end := start + uint64(nblocks)*uint64(tt.blockSize)
	if end > uint64(len(storage)) {
		end = uint64(len(storage))
	}
	if start < end {
		for i := start; i < end; i++ {
			storage[i] = 0
		}
	}
}

func (tt *testTarget) nsStorage(nsid uint32) []byte {
	if _, ok := tt.storage[nsid]; !ok {
		tt.storage[nsid] = make([]byte, tt.nsBlocks*uint64(tt.blockSize))
	}
	return tt.storage[nsid]
}

func (tt *testTarget) handleRead(cmdID uint16, nsid uint32, slba uint64, nblocks uint32) {
	storage := tt.nsStorage(nsid)
	start := slba * uint64(tt.blockSize)
	end := start + uint64(nblocks)*uint64(tt.blockSize)
	if end > uint64(len(storage)) {
		tt.sendCQE(cmdID, statusField(nvme.SctGeneric, nvme.ScLbaOutOfRange), 0)
		return
	}
	tt.sendDataAndCQE(cmdID, storage[start:end])
}

func (tt *testTarget) handleWrite(cmdID uint16, nsid uint32, slba uint64, inline []byte, length uint32) {
	storage := tt.nsStorage(nsid)
	start := slba * uint64(tt.blockSize)
	if start+uint64(length) > uint64(len(storage)) {
		tt.sendCQE(cmdID, statusField(nvme.SctGeneric, nvme.ScLbaOutOfRange), 0)
		return
	}
	if len(inline) > 0 {
		copy(storage[start:], inline)
		tt.sendCQE(cmdID, 0, 0)
		return
	}
	// no in-capsule data: pull the payload with one R2T
	tt.mu.Lock()
	tt.pending[cmdID] = make([]byte, length)
	tt.mu.Unlock()
	r2t := &nvme.R2TPDU{CommandID: cmdID, TTag: 7, R2TOffset: 0, R2TLength: length}
	tt.send(nvme.PduTypeR2T, 0, r2t, nil)
	// completion follows once the last H2CData lands; remember where it goes
	tt.mu.Lock()
	tt.pendingDest = append(tt.pendingDest, pendingWrite{cmdID: cmdID, nsid: nsid, offset: start})
	tt.mu.Unlock()
}

type pendingWrite struct {
	cmdID  uint16
	nsid   uint32
	offset uint64
}

func (tt *testTarget) handleH2CData(env *nvme.PDUEnvelope) {
	pdu := &nvme.DataPDU{}
	if err := env.UnpackBody(pdu); err != nil {
		tt.t.Errorf("target h2c: %v", err)
		return
	}
	tt.mu.Lock()
	buf, ok := tt.pending[pdu.CommandID]
	tt.mu.Unlock()
	if !ok {
		tt.t.Errorf("target: h2c data for unknown command %#04x", pdu.CommandID)
		return
	}
	copy(buf[pdu.DataOffset:], env.Data)
	if env.Hdr.Flags&nvme.PduFlagLast == 0 {
		return
	}
	tt.mu.Lock()
	delete(tt.pending, pdu.CommandID)
	var dest pendingWrite
	for i, p := range tt.pendingDest {
		if p.cmdID == pdu.CommandID {
			dest = p
			tt.pendingDest = append(tt.pendingDest[:i], tt.pendingDest[i+1:]...)
			break
		}
	}
	tt.mu.Unlock()
	copy(tt.nsStorage(dest.nsid)[dest.offset:], buf)
	tt.sendCQE(pdu.CommandID, 0, 0)
}

func (tt *testTarget) handleGetLogPage(cmdID uint16, lid uint8, size uint32, offset uint64) {
	var page []byte
	switch lid {
	case nvme.LogPageAna:
		page = tt.anaLog
	case nvme.LogPageDiscovery:
		page = tt.discoveryLog
	case nvme.LogPageChangedNs:
		page = make([]byte, nvme.IdentifyDataLen)
		binary.LittleEndian.PutUint32(page[0:], 1)
	default:
		tt.sendCQE(cmdID, statusField(nvme.SctCommandSpecific, 0x09), 0)
		return
	}
	out := make([]byte, size)
	if offset < uint64(len(page)) {
		copy(out, page[offset:])
	}
	tt.sendDataAndCQE(cmdID, out)
}

func (tt *testTarget) handleResvRegister(cmdID uint16, cdw10 uint32, payload []byte) {
	if len(payload) < 16 {
		tt.sendCQE(cmdID, statusField(nvme.SctGeneric, nvme.ScInvalidField), 0)
		return
	}
	le := binary.LittleEndian
	crkey, nrkey := le.Uint64(payload[0:]), le.Uint64(payload[8:])
	tt.resvMu.Lock()
	defer tt.resvMu.Unlock()
	switch nvme.ReservationRegisterAction(cdw10 & 0x7) {
	case nvme.ResvRegister:
		tt.resvKeys[nrkey] = false
	case nvme.ResvUnregister:
		delete(tt.resvKeys, crkey)
	case nvme.ResvReplace:
		delete(tt.resvKeys, crkey)
		tt.resvKeys[nrkey] = false
	}
	tt.resvGen++
	tt.sendCQE(cmdID, 0, 0)
}

func (tt *testTarget) handleResvAcquire(cmdID uint16, cdw10 uint32, payload []byte) {
	le := binary.LittleEndian
	crkey := le.Uint64(payload[0:])
	tt.resvMu.Lock()
	defer tt.resvMu.Unlock()
	if _, ok := tt.resvKeys[crkey]; !ok {
		tt.sendCQE(cmdID, statusField(nvme.SctGeneric, nvme.ScReservationConflict), 0)
		return
	}
	tt.resvKeys[crkey] = true
	tt.resvType = nvme.ReservationType((cdw10 >> 8) & 0xff)
	tt.resvGen++
	tt.sendCQE(cmdID, 0, 0)
}

func (tt *testTarget) handleResvRelease(cmdID uint16, cdw10 uint32, payload []byte) {
	crkey := binary.LittleEndian.Uint64(payload[0:])
	tt.resvMu.Lock()
	defer tt.resvMu.Unlock()
	if held, ok := tt.resvKeys[crkey]; ok && held {
		tt.resvKeys[crkey] = false
		tt.resvType = 0
		tt.resvGen++
	}
	tt.sendCQE(cmdID, 0, 0)
}

func (tt *testTarget) handleResvReport(cmdID uint16, size uint32) {
	tt.resvMu.Lock()
	le := binary.LittleEndian
	data := make([]byte, size)
	le.PutUint32(data[0:], tt.resvGen)
	data[4] = uint8(tt.resvType)
	le.PutUint16(data[5:], uint16(len(tt.resvKeys)))
	off := 64
	i := 0
	for key, holds := range tt.resvKeys {
		entry := data[off+i*64:]
		le.PutUint16(entry[0:], tt.cntlid)
		if holds {
			entry[2] = 1
		}
		le.PutUint64(entry[8:], key)
		copy(entry[16:32], tt.resvHostID[:])
		i++
	}
	tt.resvMu.Unlock()
	tt.sendDataAndCQE(cmdID, data)
}

// triggerAsyncEvent completes one pre-posted AEN slot with the given dw0.
func (tt *testTarget) triggerAsyncEvent(dw0 uint32) bool {
	tt.mu.Lock()
	if len(tt.aenPending) == 0 {
		tt.mu.Unlock()
		return false
	}
	cmdID := tt.aenPending[0]
	tt.aenPending = tt.aenPending[1:]
	tt.mu.Unlock()
	tt.sendCQE(cmdID, 0, dw0)
	return true
}
