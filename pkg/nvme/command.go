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

package nvme

import (
	"bytes"
	"fmt"

	"github.com/lunixbochs/struc"
)

// CommandLen is the size of a submission queue entry.
const CommandLen = 64

// Admin command opcodes.
const (
	AdminGetLogPage  uint8 = 0x02
	AdminIdentify    uint8 = 0x06
	AdminAbort       uint8 = 0x08
	AdminSetFeatures uint8 = 0x09
	AdminGetFeatures uint8 = 0x0a
	AdminAsyncEvent  uint8 = 0x0c
	AdminKeepAlive   uint8 = 0x18
	FabricsCommand   uint8 = 0x7f
)

// NVM I/O command opcodes.
const (
	NvmCmdFlush        uint8 = 0x00
	NvmCmdWrite        uint8 = 0x01
	NvmCmdRead         uint8 = 0x02
	NvmCmdWriteUncor   uint8 = 0x04
	NvmCmdCompare      uint8 = 0x05
	NvmCmdWriteZeroes  uint8 = 0x08
	NvmCmdResvRegister uint8 = 0x0d
	NvmCmdResvReport   uint8 = 0x0e
	NvmCmdResvAcquire  uint8 = 0x11
	NvmCmdResvRelease  uint8 = 0x15
)

// Fabrics command types (FCTYPE).
const (
	FabricsPropertySet uint8 = 0x00
	FabricsConnect     uint8 = 0x01
	FabricsPropertyGet uint8 = 0x04
)

// Controller property offsets.
const (
	PropCap  uint32 = 0x00
	PropVs   uint32 = 0x08
	PropCc   uint32 = 0x14
	PropCsts uint32 = 0x1c
)

// Identify CNS selectors.
const (
	CnsNamespace     uint32 = 0x00
	CnsController    uint32 = 0x01
	CnsNamespaceList uint32 = 0x02
)

// Log page identifiers.
const (
	LogPageError     uint8 = 0x01
	LogPageSmart     uint8 = 0x02
	LogPageChangedNs uint8 = 0x04
	LogPageAna       uint8 = 0x0c
	LogPageDiscovery uint8 = 0x70
)

// Feature identifiers.
const (
	FeatureVolatileWriteCache uint8 = 0x06
	FeatureNumberOfQueues     uint8 = 0x07
	FeatureAsyncEventConfig   uint8 = 0x0b
	FeatureKeepAliveTimer     uint8 = 0x0f
)

// AsyncEventConfigNotice enables the namespace attribute, firmware
// activation and ANA change notice classes in Set Features FID 0x0b.
const AsyncEventConfigNotice uint32 = 0x00000b00

// CmdFlagsSgl selects SGL data transfer (PSDT=01b) in the SQE flags byte.
const CmdFlagsSgl uint8 = 0x40

// DiscoverySubsysName is the well-known discovery subsystem NQN.
const DiscoverySubsysName = "nqn.2014-08.org.nvmexpress.discovery"

// NqnMaxLen is the longest NQN the spec permits; wire fields pad to 256.
const NqnMaxLen = 223

// DataPtr is the 16-byte SGL descriptor in dwords 6-9 of an SQE.
type DataPtr struct {
	Addr uint64  `struc:"uint64,little"`
	Meta [8]byte `struc:"[8]uint8"`
}

// SetSgTransportData points the descriptor at a transport-resident data
// block of the given length (reads: controller pushes C2HData).
func (d *DataPtr) SetSgTransportData(length uint32) {
	d.Addr = 0
	d.Meta = [8]byte{}
	d.Meta[0] = uint8(length)
	d.Meta[1] = uint8(length >> 8)
	d.Meta[2] = uint8(length >> 16)
	d.Meta[3] = uint8(length >> 24)
	d.Meta[7] = 0x5a
}

// SetSgInline marks the payload as in-capsule data at offset zero
// (writes: data follows the SQE in the command capsule, or arrives via R2T).
func (d *DataPtr) SetSgInline(length uint32) {
	d.Addr = 0
	d.Meta = [8]byte{}
	d.Meta[0] = uint8(length)
	d.Meta[1] = uint8(length >> 8)
	d.Meta[2] = uint8(length >> 16)
	d.Meta[3] = uint8(length >> 24)
	d.Meta[7] = 0x01
}

// CommonCommand is the 64-byte SQE shared by admin and NVM commands.
type CommonCommand struct {
	Opcode    uint8     `struc:"uint8"`
	Flags     uint8     `struc:"uint8"`
	CommandID uint16    `struc:"uint16,little"`
	NSID      uint32    `struc:"uint32,little"`
	Cdw2      [2]uint32 `struc:"[2]uint32,little"`
	Metadata  uint64    `struc:"uint64,little"`
	Dptr      DataPtr
	Cdw10     uint32 `struc:"uint32,little"`
	Cdw11     uint32 `struc:"uint32,little"`
	Cdw12     uint32 `struc:"uint32,little"`
	Cdw13     uint32 `struc:"uint32,little"`
	Cdw14     uint32 `struc:"uint32,little"`
	Cdw15     uint32 `struc:"uint32,little"`
}

// ConnectCommand is the fabrics Connect SQE layout.
type ConnectCommand struct {
	Opcode    uint8    `struc:"uint8"`
	Flags     uint8    `struc:"uint8"`
	CommandID uint16   `struc:"uint16,little"`
	FcType    uint8    `struc:"uint8"`
	Rsvd1     [19]byte `struc:"[19]uint8"`
	Dptr      DataPtr
	RecFmt    uint16   `struc:"uint16,little"`
	QID       uint16   `struc:"uint16,little"`
	SqSize    uint16   `struc:"uint16,little"`
	CatTr     uint8    `struc:"uint8"`
	Rsvd2     uint8    `struc:"uint8"`
	Kato      uint32   `struc:"uint32,little"`
	Rsvd3     [12]byte `struc:"[12]uint8"`
}

// ConnectDataLen is the size of the Connect command's data payload.
const ConnectDataLen = 1024

// ConnectData is the 1024-byte payload carried by a Connect capsule.
type ConnectData struct {
	HostID    [16]byte  `struc:"[16]uint8"`
	CntlID    uint16    `struc:"uint16,little"`
	Rsvd1     [238]byte `struc:"[238]uint8"`
	SubsysNqn string    `struc:"[256]uint8"`
	HostNqn   string    `struc:"[256]uint8"`
	Rsvd2     [256]byte `struc:"[256]uint8"`
}

// PropertySetCommand is the fabrics Property Set SQE layout.
type PropertySetCommand struct {
	Opcode    uint8    `struc:"uint8"`
	Flags     uint8    `struc:"uint8"`
	CommandID uint16   `struc:"uint16,little"`
	FcType    uint8    `struc:"uint8"`
	Rsvd1     [35]byte `struc:"[35]uint8"`
	Attrib    uint8    `struc:"uint8"`
	Rsvd2     [3]byte  `struc:"[3]uint8"`
	Offset    uint32   `struc:"uint32,little"`
	Value     uint64   `struc:"uint64,little"`
	Rsvd3     [8]byte  `struc:"[8]uint8"`
}

// PropertyGetCommand is the fabrics Property Get SQE layout.
type PropertyGetCommand struct {
	Opcode    uint8    `struc:"uint8"`
	Flags     uint8    `struc:"uint8"`
	CommandID uint16   `struc:"uint16,little"`
	FcType    uint8    `struc:"uint8"`
	Rsvd1     [35]byte `struc:"[35]uint8"`
	Attrib    uint8    `struc:"uint8"`
	Rsvd2     [3]byte  `struc:"[3]uint8"`
	Offset    uint32   `struc:"uint32,little"`
	Rsvd3     [16]byte `struc:"[16]uint8"`
}

// PackCommand serializes an SQE struct into its 64-byte wire form.
func PackCommand(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.Pack(&buf, v); err != nil {
		return nil, err
	}
	if buf.Len() != CommandLen {
		return nil, fmt.Errorf("sqe packed to %d bytes, want %d", buf.Len(), CommandLen)
	}
	return buf.Bytes(), nil
}

// UnpackCommand parses 64 bytes into the given SQE struct.
func UnpackCommand(b []byte, v interface{}) error {
	if len(b) != CommandLen {
		return fmt.Errorf("sqe is %d bytes, want %d", len(b), CommandLen)
	}
	return struc.Unpack(bytes.NewReader(b), v)
}

// UnpackCommandBody parses a fixed wire structure, such as ConnectData,
// from its byte form.
func UnpackCommandBody(b []byte, v interface{}) error {
	return struc.Unpack(bytes.NewReader(b), v)
}

// NewConnectCommand builds the fabrics Connect SQE for a queue.
func NewConnectCommand(cmdID uint16, qid uint16, sqSize uint16, katoMs uint32) *ConnectCommand {
	cmd := &ConnectCommand{
		Opcode:    FabricsCommand,
		Flags:     CmdFlagsSgl,
		CommandID: cmdID,
		FcType:    FabricsConnect,
		RecFmt:    0,
		QID:       qid,
		SqSize:    sqSize,
		CatTr:     0,
		Kato:      katoMs,
	}
	cmd.Dptr.SetSgInline(ConnectDataLen)
	return cmd
}

// NewConnectData builds the Connect payload. CNTLID 0xffff asks the
// controller to allocate a dynamic controller id.
func NewConnectData(hostID [16]byte, cntlID uint16, subsysNqn, hostNqn string) *ConnectData {
	return &ConnectData{
		HostID:    hostID,
		CntlID:    cntlID,
		SubsysNqn: subsysNqn,
		HostNqn:   hostNqn,
	}
}

// NewPropertyGetCommand reads a controller property. Attrib selects the
// property size: 0 for 4 bytes, 1 for 8 bytes.
func NewPropertyGetCommand(cmdID uint16, offset uint32, size8 bool) *PropertyGetCommand {
	attrib := uint8(0)
	if size8 {
		attrib = 1
	}
	return &PropertyGetCommand{
		Opcode:    FabricsCommand,
		Flags:     CmdFlagsSgl,
		CommandID: cmdID,
		FcType:    FabricsPropertyGet,
		Attrib:    attrib,
		Offset:    offset,
	}
}

// NewPropertySetCommand writes a controller property.
func NewPropertySetCommand(cmdID uint16, offset uint32, value uint64) *PropertySetCommand {
	return &PropertySetCommand{
		Opcode:    FabricsCommand,
		Flags:     CmdFlagsSgl,
		CommandID: cmdID,
		FcType:    FabricsPropertySet,
		Offset:    offset,
		Value:     value,
	}
}

// NewIdentifyCommand builds an Identify SQE for the given CNS selector.
func NewIdentifyCommand(cmdID uint16, cns uint32, nsid uint32) *CommonCommand {
	cmd := &CommonCommand{
		Opcode:    AdminIdentify,
		Flags:     CmdFlagsSgl,
		CommandID: cmdID,
		NSID:      nsid,
		Cdw10:     cns,
	}
	cmd.Dptr.SetSgTransportData(IdentifyDataLen)
	return cmd
}

// NewGetLogPageCommand builds a Get Log Page SQE. size must be a multiple
// of four; offset is a byte offset into the log.
func NewGetLogPageCommand(cmdID uint16, lid uint8, nsid uint32, size uint32, offset uint64) *CommonCommand {
	numd := size/4 - 1
	cmd := &CommonCommand{
		Opcode:    AdminGetLogPage,
		Flags:     CmdFlagsSgl,
		CommandID: cmdID,
		NSID:      nsid,
		Cdw10:     uint32(lid) | (numd&0xffff)<<16,
		Cdw11:     numd >> 16,
		Cdw12:     uint32(offset),
		Cdw13:     uint32(offset >> 32),
	}
	cmd.Dptr.SetSgTransportData(size)
	return cmd
}

// NewGetFeaturesCommand builds a Get Features SQE.
func NewGetFeaturesCommand(cmdID uint16, fid uint8, nsid uint32) *CommonCommand {
	return &CommonCommand{
		Opcode:    AdminGetFeatures,
		Flags:     CmdFlagsSgl,
		CommandID: cmdID,
		NSID:      nsid,
		Cdw10:     uint32(fid),
	}
}

// NewSetFeaturesCommand builds a Set Features SQE.
func NewSetFeaturesCommand(cmdID uint16, fid uint8, value uint32, nsid uint32, save bool) *CommonCommand {
	dw10 := uint32(fid)
	if save {
		dw10 |= 1 << 31
	}
	return &CommonCommand{
		Opcode:    AdminSetFeatures,
		Flags:     CmdFlagsSgl,
		CommandID: cmdID,
		NSID:      nsid,
		Cdw10:     dw10,
		Cdw11:     value,
	}
}

// NewKeepAliveCommand builds the Keep Alive admin SQE.
func NewKeepAliveCommand(cmdID uint16) *CommonCommand {
	return &CommonCommand{
		Opcode:    AdminKeepAlive,
		Flags:     CmdFlagsSgl,
		CommandID: cmdID,
	}
}

// NewAsyncEventCommand builds an Asynchronous Event Request SQE. All
// command specific fields are reserved.
func NewAsyncEventCommand(cmdID uint16) *CommonCommand {
	return &CommonCommand{
		Opcode:    AdminAsyncEvent,
		Flags:     CmdFlagsSgl,
		CommandID: cmdID,
	}
}

// NewReadCommand builds an NVM Read SQE. nblocks is 1-based.
func NewReadCommand(cmdID uint16, nsid uint32, slba uint64, nblocks uint32, blockSize uint32) *CommonCommand {
	cmd := &CommonCommand{
		Opcode:    NvmCmdRead,
		Flags:     CmdFlagsSgl,
		CommandID: cmdID,
		NSID:      nsid,
		Cdw10:     uint32(slba),
		Cdw11:     uint32(slba >> 32),
		Cdw12:     nblocks - 1,
	}
	cmd.Dptr.SetSgTransportData(nblocks * blockSize)
	return cmd
}

// NewWriteCommand builds an NVM Write SQE. nblocks is 1-based; the payload
// travels in-capsule or via R2T.
func NewWriteCommand(cmdID uint16, nsid uint32, slba uint64, nblocks uint32, blockSize uint32) *CommonCommand {
	cmd := &CommonCommand{
		Opcode:    NvmCmdWrite,
		Flags:     CmdFlagsSgl,
		CommandID: cmdID,
		NSID:      nsid,
		Cdw10:     uint32(slba),
		Cdw11:     uint32(slba >> 32),
		Cdw12:     nblocks - 1,
	}
	cmd.Dptr.SetSgInline(nblocks * blockSize)
	return cmd
}

// NewCompareCommand builds an NVM Compare SQE. nblocks is 1-based.
func NewCompareCommand(cmdID uint16, nsid uint32, slba uint64, nblocks uint32, blockSize uint32) *CommonCommand {
	cmd := &CommonCommand{
		Opcode:    NvmCmdCompare,
		Flags:     CmdFlagsSgl,
		CommandID: cmdID,
		NSID:      nsid,
		Cdw10:     uint32(slba),
		Cdw11:     uint32(slba >> 32),
		Cdw12:     nblocks - 1,
	}
	cmd.Dptr.SetSgInline(nblocks * blockSize)
	return cmd
}

// NewWriteZeroesCommand builds an NVM Write Zeroes SQE. nblocks is 1-based.
func NewWriteZeroesCommand(cmdID uint16, nsid uint32, slba uint64, nblocks uint32) *CommonCommand {
	return &CommonCommand{
		Opcode:    NvmCmdWriteZeroes,
		Flags:     CmdFlagsSgl,
		CommandID: cmdID,
		NSID:      nsid,
		Cdw10:     uint32(slba),
		Cdw11:     uint32(slba >> 32),
		Cdw12:     nblocks - 1,
	}
}

// NewWriteUncorrectableCommand builds an NVM Write Uncorrectable SQE.
func NewWriteUncorrectableCommand(cmdID uint16, nsid uint32, slba uint64, nblocks uint32) *CommonCommand {
	return &CommonCommand{
		Opcode:    NvmCmdWriteUncor,
		Flags:     CmdFlagsSgl,
		CommandID: cmdID,
		NSID:      nsid,
		Cdw10:     uint32(slba),
		Cdw11:     uint32(slba >> 32),
		Cdw12:     nblocks - 1,
	}
}

// NewFlushCommand builds an NVM Flush SQE.
func NewFlushCommand(cmdID uint16, nsid uint32) *CommonCommand {
	return &CommonCommand{
		Opcode:    NvmCmdFlush,
		Flags:     CmdFlagsSgl,
		CommandID: cmdID,
		NSID:      nsid,
	}
}

// NewReservationRegisterCommand builds a Reservation Register SQE. The two
// 64-bit keys travel in a 16-byte in-capsule payload.
func NewReservationRegisterCommand(cmdID uint16, nsid uint32, action ReservationRegisterAction, iekey bool, cptpl uint8) *CommonCommand {
	dw10 := uint32(action) & 0x7
	if iekey {
		dw10 |= 1 << 3
	}
	dw10 |= uint32(cptpl&0x3) << 30
	cmd := &CommonCommand{
		Opcode:    NvmCmdResvRegister,
		Flags:     CmdFlagsSgl,
		CommandID: cmdID,
		NSID:      nsid,
		Cdw10:     dw10,
	}
	cmd.Dptr.SetSgInline(16)
	return cmd
}

// NewReservationReportCommand builds a Reservation Report SQE. size is the
// transfer length in bytes; eds selects the extended registrant format.
func NewReservationReportCommand(cmdID uint16, nsid uint32, size uint32, eds bool) *CommonCommand {
	cmd := &CommonCommand{
		Opcode:    NvmCmdResvReport,
		Flags:     CmdFlagsSgl,
		CommandID: cmdID,
		NSID:      nsid,
		Cdw10:     size/4 - 1,
	}
	if eds {
		cmd.Cdw11 = 1
	}
	cmd.Dptr.SetSgTransportData(size)
	return cmd
}

// NewReservationAcquireCommand builds a Reservation Acquire SQE. The
// current (and, for preempt, the preempted) key travel in a 16-byte payload.
func NewReservationAcquireCommand(cmdID uint16, nsid uint32, action ReservationAcquireAction, rtype ReservationType) *CommonCommand {
	cmd := &CommonCommand{
		Opcode:    NvmCmdResvAcquire,
		Flags:     CmdFlagsSgl,
		CommandID: cmdID,
		NSID:      nsid,
		Cdw10:     uint32(action)&0x7 | uint32(rtype)<<8,
	}
	cmd.Dptr.SetSgInline(16)
	return cmd
}

// NewReservationReleaseCommand builds a Reservation Release SQE. The
// current key travels in an 8-byte payload.
func NewReservationReleaseCommand(cmdID uint16, nsid uint32, action ReservationReleaseAction, rtype ReservationType) *CommonCommand {
	cmd := &CommonCommand{
		Opcode:    NvmCmdResvRelease,
		Flags:     CmdFlagsSgl,
		CommandID: cmdID,
		NSID:      nsid,
		Cdw10:     uint32(action)&0x7 | uint32(rtype)<<8,
	}
	cmd.Dptr.SetSgInline(8)
	return cmd
}

// OpcodeName names an opcode for log lines. Fabrics commands share one
// opcode; callers log the fctype separately.
func OpcodeName(opcode uint8, admin bool) string {
	if admin {
		switch opcode {
		case AdminGetLogPage:
			return "get_log_page"
		case AdminIdentify:
			return "identify"
		case AdminSetFeatures:
			return "set_features"
		case AdminGetFeatures:
			return "get_features"
		case AdminAsyncEvent:
			return "async_event_request"
		case AdminKeepAlive:
			return "keep_alive"
		case FabricsCommand:
			return "fabrics"
		}
		return fmt.Sprintf("admin_%#02x", opcode)
	}
	switch opcode {
	case NvmCmdFlush:
		return "flush"
	case NvmCmdWrite:
		return "write"
	case NvmCmdRead:
		return "read"
	case NvmCmdWriteUncor:
		return "write_uncorrectable"
	case NvmCmdCompare:
		return "compare"
	case NvmCmdWriteZeroes:
		return "write_zeroes"
	case NvmCmdResvRegister:
		return "resv_register"
	case NvmCmdResvReport:
		return "resv_report"
	case NvmCmdResvAcquire:
		return "resv_acquire"
	case NvmCmdResvRelease:
		return "resv_release"
	}
	return fmt.Sprintf("nvm_%#02x", opcode)
}
