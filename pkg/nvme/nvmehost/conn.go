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
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/truenas/nvmeof-client/pkg/nvme"
)

// conn owns the TCP socket. Writes are atomic per PDU and serialised by a
// mutex; the receiver goroutine is the sole reader.
type conn struct {
	tcpConn   net.Conn
	tcpReader *bufio.Reader
	tcpWriter *bufio.Writer
	writeMu   sync.Mutex
	closeOnce sync.Once
	log       *logrus.Entry

	// negotiated during ICReq/ICResp, immutable afterwards
	headerDigest bool
	dataDigest   bool
	maxH2CData   uint32
	cpda         uint8
	maxPDULen    uint32
}

func newConn(tcpConn net.Conn, log *logrus.Entry) *conn {
	return &conn{
		tcpConn:   tcpConn,
		tcpReader: bufio.NewReader(tcpConn),
		tcpWriter: bufio.NewWriter(tcpConn),
		log:       log,
		maxPDULen: nvme.DefaultMaxPDULen,
	}
}

// sendPDU assembles and writes one PDU. The transmitted byte count always
// equals the PLEN announced in the header.
func (c *conn) sendPDU(pduType uint8, flags uint8, body interface{}, data []byte) error {
	bodyBytes, err := nvme.PackBody(body)
	if err != nil {
		return &nvme.ConnectionError{Reason: "failed to serialize pdu", Err: err}
	}
	raw, err := nvme.BuildPDU(pduType, flags, bodyBytes, data, c.headerDigest, c.dataDigest)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.tcpWriter.Write(raw); err != nil {
		return &nvme.ConnectionError{Reason: "pdu write failed", Err: err}
	}
	if err := c.tcpWriter.Flush(); err != nil {
		return &nvme.ConnectionError{Reason: "pdu flush failed", Err: err}
	}
	return nil
}

// recvPDU reads one PDU. A zero deadline blocks until data or socket close.
func (c *conn) recvPDU(deadline time.Time) (*nvme.PDUEnvelope, error) {
	if err := c.tcpConn.SetReadDeadline(deadline); err != nil {
		return nil, &nvme.ConnectionError{Reason: "set read deadline", Err: err}
	}
	env, err := nvme.ReadPDU(c.tcpReader, c.maxPDULen)
	if err != nil {
		if protoErr, ok := err.(*nvme.ProtocolError); ok {
			return nil, protoErr
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, &nvme.TimeoutError{Op: "pdu receive", Timeout: time.Until(deadline).String()}
		}
		return nil, &nvme.ConnectionError{Reason: "pdu read failed", Err: err}
	}
	return env, nil
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.tcpConn.Close()
	})
}
