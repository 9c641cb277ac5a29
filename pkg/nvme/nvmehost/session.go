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
	"time"

	"github.com/truenas/nvmeof-client/pkg/nvme"
)

const controllerReadyPollInterval = 100 * time.Millisecond

// handshake runs the ICReq/ICResp exchange. It happens synchronously on
// the raw connection, before the receiver goroutine starts, so the
// response is read inline. Digest preferences are offered here and the
// intersection with the controller's grant becomes immutable.
func (c *Client) handshake() error {
	offer := uint8(0)
	if c.opts.HeaderDigest {
		offer |= nvme.DigestHeaderEnable
	}
	if c.opts.DataDigest {
		offer |= nvme.DigestDataEnable
	}

	icreq := &nvme.ICReqPDU{
		Pfv:    nvme.PfvVersion10,
		Maxr2t: c.opts.MaxR2T,
		Hpda:   0,
		Digest: offer,
	}
	if err := c.conn.sendPDU(nvme.PduTypeICReq, 0, icreq, nil); err != nil {
		return err
	}

	env, err := c.conn.recvPDU(time.Now().Add(c.opts.Timeout))
	if err != nil {
		return err
	}
	if env.Hdr.Type != nvme.PduTypeICResp {
		return &nvme.ConnectionError{Reason: fmt.Sprintf("expected icresp, controller sent pdu type %#02x", env.Hdr.Type)}
	}
	icresp := &nvme.ICRespPDU{}
	if err := env.UnpackBody(icresp); err != nil {
		return &nvme.ConnectionError{Reason: "malformed icresp", Err: err}
	}
	if icresp.Pfv != nvme.PfvVersion10 {
		return &nvme.ConnectionError{Reason: fmt.Sprintf("unsupported pdu format version %#04x", icresp.Pfv)}
	}

	granted := icresp.Digest & offer
	c.conn.headerDigest = granted&nvme.DigestHeaderEnable != 0
	c.conn.dataDigest = granted&nvme.DigestDataEnable != 0
	c.conn.cpda = icresp.Cpda
	c.conn.maxH2CData = icresp.Maxdata
	c.log.Debugf("ic exchange done: cpda %d, maxh2cdata %d, hdgst %t, ddgst %t",
		icresp.Cpda, icresp.Maxdata, c.conn.headerDigest, c.conn.dataDigest)
	return nil
}

// fabricConnect issues the fabrics Connect command for the admin queue.
// The assigned controller id comes back in CQE dword 0.
func (c *Client) fabricConnect() error {
	slot, err := c.queue.allocSlot(nvme.FabricsCommand, true, time.Now().Add(c.opts.Timeout))
	if err != nil {
		return err
	}
	cmd := nvme.NewConnectCommand(slot.cmdID, 0, uint16(c.opts.QueueSize-1), uint32(c.opts.Kato/time.Millisecond))
	data := nvme.NewConnectData(c.hostID, 0xffff, c.opts.SubsystemNqn, c.opts.HostNqn)
	payload, err := nvme.PackBody(data)
	if err != nil {
		return &nvme.ConnectionError{Reason: "failed to serialize connect data", Err: err}
	}
	if err := c.queue.submit(slot, cmd, payload); err != nil {
		return err
	}
	cqe, _, err := c.queue.wait(slot)
	if err != nil {
		return err
	}
	if cqe.Failed() {
		return &nvme.ConnectionError{
			Reason: "fabric connect rejected",
			Err:    &nvme.CommandError{Opcode: nvme.FabricsCommand, CommandID: cqe.CommandID, Status: cqe.Status, CQE: cqe},
		}
	}
	c.controllerID = uint16(cqe.Result.U32() & 0xffff)
	c.log.Infof("fabric connect done, controller id %#04x", c.controllerID)
	return nil
}

// propertyGet reads a controller property over the admin queue.
func (c *Client) propertyGet(offset uint32, size8 bool) (uint64, error) {
	slot, err := c.queue.allocSlot(nvme.FabricsCommand, true, time.Now().Add(c.opts.Timeout))
	if err != nil {
		return 0, err
	}
	cmd := nvme.NewPropertyGetCommand(slot.cmdID, offset, size8)
	if err := c.queue.submit(slot, cmd, nil); err != nil {
		return 0, err
	}
	cqe, _, err := c.queue.wait(slot)
	if err != nil {
		return 0, err
	}
	if cqe.Failed() {
		return 0, &nvme.CommandError{Opcode: nvme.FabricsCommand, CommandID: cqe.CommandID, Status: cqe.Status, CQE: cqe}
	}
	return cqe.Result.U64(), nil
}

// propertySet writes a controller property over the admin queue.
func (c *Client) propertySet(offset uint32, value uint64) error {
	slot, err := c.queue.allocSlot(nvme.FabricsCommand, true, time.Now().Add(c.opts.Timeout))
	if err != nil {
		return err
	}
	cmd := nvme.NewPropertySetCommand(slot.cmdID, offset, value)
	if err := c.queue.submit(slot, cmd, nil); err != nil {
		return err
	}
	cqe, _, err := c.queue.wait(slot)
	if err != nil {
		return err
	}
	if cqe.Failed() {
		return &nvme.CommandError{Opcode: nvme.FabricsCommand, CommandID: cqe.CommandID, Status: cqe.Status, CQE: cqe}
	}
	return nil
}

// initController brings the controller to ready: read CAP, enable command
// processing via CC, poll CSTS.RDY, read VS. MQES from CAP caps the
// in-flight window.
func (c *Client) initController() error {
	capValue, err := c.propertyGet(nvme.PropCap, true)
	if err != nil {
		return err
	}
	c.capabilities = nvme.DecodeControllerCapabilities(capValue)
	c.queue.setMaxInflight(int(c.capabilities.MaxQueueEntries))

	if err := c.propertySet(nvme.PropCc, uint64(nvme.CcEnableValue)); err != nil {
		return err
	}

	readyDeadline := time.Now().Add(c.opts.Timeout)
	for {
		cstsValue, err := c.propertyGet(nvme.PropCsts, false)
		if err != nil {
			return err
		}
		csts := nvme.DecodeControllerStatus(uint32(cstsValue))
		if csts.FatalStatus {
			return &nvme.ConnectionError{Reason: "controller reports fatal status"}
		}
		if csts.Ready {
			break
		}
		if time.Now().After(readyDeadline) {
			return &nvme.TimeoutError{Op: "controller ready wait", Timeout: c.opts.Timeout.String()}
		}
		time.Sleep(controllerReadyPollInterval)
	}

	vsValue, err := c.propertyGet(nvme.PropVs, false)
	if err != nil {
		return err
	}
	c.version = uint32(vsValue)
	c.log.Debugf("controller ready, version %d.%d.%d, mqes %d",
		c.version>>16, (c.version>>8)&0xff, c.version&0xff, c.capabilities.MaxQueueEntries)
	return nil
}

// sendKeepAlive issues one Keep Alive command with a deadline of KATO/2 (or
// the per-command timeout when shorter), so a dead controller is detected before
// the controller-side KATO fires.
func (c *Client) sendKeepAlive() error {
	queue, err := c.activeQueue()
	if err != nil {
		return err
	}
	deadline := time.Now().Add(c.opts.Kato / 2)
	if perCmd := time.Now().Add(c.opts.Timeout); perCmd.Before(deadline) {
		deadline = perCmd
	}
	slot, err := queue.allocSlot(nvme.AdminKeepAlive, true, deadline)
	if err != nil {
		return err
	}
	cmd := nvme.NewKeepAliveCommand(slot.cmdID)
	if err := queue.submit(slot, cmd, nil); err != nil {
		return err
	}
	cqe, _, err := queue.wait(slot)
	if err != nil {
		return err
	}
	if cqe.Failed() {
		return &nvme.CommandError{Opcode: nvme.AdminKeepAlive, CommandID: cqe.CommandID, Status: cqe.Status, CQE: cqe}
	}
	return nil
}
