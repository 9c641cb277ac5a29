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
	"io"

	"github.com/lunixbochs/struc"
)

// NVMe/TCP PDU types.
const (
	PduTypeICReq      uint8 = 0x00
	PduTypeICResp     uint8 = 0x01
	PduTypeH2CTermReq uint8 = 0x02
	PduTypeC2HTermReq uint8 = 0x03
	PduTypeCapsuleCmd uint8 = 0x04
	PduTypeCapsuleRsp uint8 = 0x05
	PduTypeH2CData    uint8 = 0x06
	PduTypeC2HData    uint8 = 0x07
	PduTypeR2T        uint8 = 0x09
)

// PDU FLAGS field bits.
const (
	PduFlagHdgst   uint8 = 0x01
	PduFlagDdgst   uint8 = 0x02
	PduFlagLast    uint8 = 0x04
	PduFlagSuccess uint8 = 0x08
)

const (
	// TCPHeaderLen is the size of the common header shared by every PDU.
	TCPHeaderLen = 8
	// PfvVersion10 is the only PDU format version we speak.
	PfvVersion10 uint16 = 0x0000
	// DigestLen is the length of a CRC32C header or data digest.
	DigestLen = 4

	icPduLen      = 128
	dataPduHlen   = 24
	r2tPduHlen    = 24
	termPduHlen   = 24
	cmdPduHlen    = TCPHeaderLen + CommandLen
	rspPduHlen    = TCPHeaderLen + CompletionLen
	termPduMaxLen = 152

	// DefaultMaxPDULen caps the announced PLEN of received PDUs.
	DefaultMaxPDULen uint32 = 8 << 20
)

// TCPHeader is the 8-byte common header every PDU starts with.
type TCPHeader struct {
	Type  uint8  `struc:"uint8"`
	Flags uint8  `struc:"uint8"`
	Hlen  uint8  `struc:"uint8"`
	Pdo   uint8  `struc:"uint8"`
	Plen  uint32 `struc:"uint32,little"`
}

// ICReqPDU is the connection initialization request, sent host to controller.
type ICReqPDU struct {
	Pfv      uint16    `struc:"uint16,little"`
	Maxr2t   uint32    `struc:"uint32,little"`
	Hpda     uint8     `struc:"uint8"`
	Digest   uint8     `struc:"uint8"`
	Reserved [112]byte `struc:"[112]uint8"`
}

// ICRespPDU is the controller's reply to an ICReq.
type ICRespPDU struct {
	Pfv      uint16    `struc:"uint16,little"`
	Cpda     uint8     `struc:"uint8"`
	Digest   uint8     `struc:"uint8"`
	Maxdata  uint32    `struc:"uint32,little"`
	Reserved [112]byte `struc:"[112]uint8"`
}

// DataPDU is the header extension shared by H2CData and C2HData PDUs.
type DataPDU struct {
	CommandID  uint16  `struc:"uint16,little"`
	TTag       uint16  `struc:"uint16,little"`
	DataOffset uint32  `struc:"uint32,little"`
	DataLength uint32  `struc:"uint32,little"`
	Reserved   [4]byte `struc:"[4]uint8"`
}

// R2TPDU asks the host to transmit part of a pending write payload.
type R2TPDU struct {
	CommandID uint16  `struc:"uint16,little"`
	TTag      uint16  `struc:"uint16,little"`
	R2TOffset uint32  `struc:"uint32,little"`
	R2TLength uint32  `struc:"uint32,little"`
	Reserved  [4]byte `struc:"[4]uint8"`
}

// TermPDU carries the fatal error status of a terminate request.
type TermPDU struct {
	Fes      uint16   `struc:"uint16,little"`
	Fei      uint32   `struc:"uint32,little"`
	Reserved [10]byte `struc:"[10]uint8"`
}

// Fatal error statuses carried in a TermReq FES field.
const (
	TermInvalidPDUHeader uint16 = 0x01
	TermPDUSequenceError uint16 = 0x02
	TermHdgstError       uint16 = 0x03
	TermDataOutOfRange   uint16 = 0x04
	TermDataLimitExceed  uint16 = 0x05
	TermUnsupportedParam uint16 = 0x06
)

// PDUEnvelope is a decoded PDU: the common header, the header extension
// bytes (digest stripped) and the data region bytes (digest stripped).
type PDUEnvelope struct {
	Hdr  TCPHeader
	Body []byte
	Data []byte
}

func baseHlen(pduType uint8) (int, bool) {
	switch pduType {
	case PduTypeICReq, PduTypeICResp:
		return icPduLen, true
	case PduTypeCapsuleCmd:
		return cmdPduHlen, true
	case PduTypeCapsuleRsp:
		return rspPduHlen, true
	case PduTypeH2CData, PduTypeC2HData:
		return dataPduHlen, true
	case PduTypeR2T:
		return r2tPduHlen, true
	case PduTypeH2CTermReq, PduTypeC2HTermReq:
		return termPduHlen, true
	}
	return 0, false
}

// BuildPDU assembles a complete wire PDU: common header, header extension,
// optional digests and data region. The returned slice is exactly PLEN bytes.
func BuildPDU(pduType uint8, flags uint8, body []byte, data []byte, hdgst, ddgst bool) ([]byte, error) {
	base, ok := baseHlen(pduType)
	if !ok {
		return nil, &ProtocolError{Reason: fmt.Sprintf("cannot build pdu of unknown type %#02x", pduType)}
	}
	if TCPHeaderLen+len(body) != base {
		return nil, &ProtocolError{Reason: fmt.Sprintf("pdu type %#02x body length %d does not match hlen %d", pduType, len(body), base)}
	}

	// IC PDUs are exchanged before digests are negotiated.
	if pduType == PduTypeICReq || pduType == PduTypeICResp {
		hdgst, ddgst = false, false
	}

	hlen := base
	if hdgst {
		hlen += DigestLen
		flags |= PduFlagHdgst
	}
	pdo := 0
	plen := hlen
	if len(data) > 0 {
		pdo = hlen
		plen += len(data)
		if ddgst {
			flags |= PduFlagDdgst
			plen += DigestLen
		}
	}

	hdr := &TCPHeader{
		Type:  pduType,
		Flags: flags,
		Hlen:  uint8(hlen),
		Pdo:   uint8(pdo),
		Plen:  uint32(plen),
	}

	var buf bytes.Buffer
	buf.Grow(plen)
	if err := struc.Pack(&buf, hdr); err != nil {
		return nil, err
	}
	buf.Write(body)
	if hdgst {
		writeDigest(&buf, buf.Bytes())
	}
	if len(data) > 0 {
		buf.Write(data)
		if ddgst {
			writeDigest(&buf, data)
		}
	}
	if buf.Len() != plen {
		return nil, &ProtocolError{Reason: fmt.Sprintf("pdu type %#02x assembled %d bytes, plen says %d", pduType, buf.Len(), plen)}
	}
	return buf.Bytes(), nil
}

// ReadPDU reads one complete PDU off r. The caller passes the PLEN cap;
// digests flagged in the header are verified and stripped.
func ReadPDU(r io.Reader, maxPLen uint32) (*PDUEnvelope, error) {
	raw := make([]byte, TCPHeaderLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}

	env := &PDUEnvelope{}
	if err := struc.Unpack(bytes.NewReader(raw), &env.Hdr); err != nil {
		return nil, err
	}
	hdr := &env.Hdr

	base, ok := baseHlen(hdr.Type)
	if !ok {
		return nil, &ProtocolError{Reason: fmt.Sprintf("unexpected pdu type %#02x", hdr.Type)}
	}
	hdgst := hdr.Flags&PduFlagHdgst != 0
	wantHlen := base
	if hdgst {
		wantHlen += DigestLen
	}
	if int(hdr.Hlen) != wantHlen {
		return nil, &ProtocolError{Reason: fmt.Sprintf("pdu type %#02x bad hlen %d, expected %d", hdr.Type, hdr.Hlen, wantHlen)}
	}
	if hdr.Plen > maxPLen {
		return nil, &ProtocolError{Reason: fmt.Sprintf("pdu type %#02x plen %d exceeds limit %d", hdr.Type, hdr.Plen, maxPLen)}
	}
	if hdr.Plen < uint32(hdr.Hlen) {
		return nil, &ProtocolError{Reason: fmt.Sprintf("pdu type %#02x plen %d shorter than hlen %d", hdr.Type, hdr.Plen, hdr.Hlen)}
	}

	rest := make([]byte, int(hdr.Plen)-TCPHeaderLen)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	bodyEnd := int(hdr.Hlen) - TCPHeaderLen
	env.Body = rest[:bodyEnd]
	if hdgst {
		env.Body = rest[:bodyEnd-DigestLen]
		header := append(append([]byte{}, raw...), env.Body...)
		if err := verifyDigest(header, rest[bodyEnd-DigestLen:bodyEnd]); err != nil {
			return nil, err
		}
	}

	dataRegion := rest[bodyEnd:]
	if len(dataRegion) > 0 {
		if hdr.Pdo != 0 && int(hdr.Pdo) < int(hdr.Hlen) {
			return nil, &ProtocolError{Reason: fmt.Sprintf("pdu type %#02x pdo %d inside header", hdr.Type, hdr.Pdo)}
		}
		// skip PDO padding between the header and the data region
		if pad := int(hdr.Pdo) - int(hdr.Hlen); pad > 0 {
			if pad > len(dataRegion) {
				return nil, &ProtocolError{Reason: fmt.Sprintf("pdu type %#02x pdo %d past plen", hdr.Type, hdr.Pdo)}
			}
			dataRegion = dataRegion[pad:]
		}
		env.Data = dataRegion
		if hdr.Flags&PduFlagDdgst != 0 {
			if len(dataRegion) < DigestLen {
				return nil, &ProtocolError{Reason: "data digest flagged but data region too short"}
			}
			env.Data = dataRegion[:len(dataRegion)-DigestLen]
			if err := verifyDigest(env.Data, dataRegion[len(dataRegion)-DigestLen:]); err != nil {
				return nil, err
			}
		}
	}
	return env, nil
}

// UnpackBody decodes the header extension of env into the typed struct v.
func (env *PDUEnvelope) UnpackBody(v interface{}) error {
	if err := struc.Unpack(bytes.NewReader(env.Body), v); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("malformed pdu type %#02x body: %v", env.Hdr.Type, err)}
	}
	return nil
}

// PackBody encodes a typed header extension into its wire form.
func PackBody(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.Pack(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
