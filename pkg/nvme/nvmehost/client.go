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
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/truenas/nvmeof-client/pkg/nvme"
)

// Default connection parameters.
const (
	DefaultPort          = 4420
	DefaultDiscoveryPort = 8009
	DefaultTimeout       = 30 * time.Second
	DefaultQueueSize     = 32
)

// Options configures a Client. Host is required. A zero Port, Timeout,
// QueueSize or DialTimeout and an empty SubsystemNqn or HostNqn take the
// defaults; boolean fields are used as given (DefaultOptions sets
// HeaderDigest, DataDigest and BlockOnFull to true).
type Options struct {
	Host         string
	Port         int
	SubsystemNqn string
	HostNqn      string
	HostID       *[16]byte
	Timeout      time.Duration
	Kato         time.Duration
	HeaderDigest bool
	DataDigest   bool
	QueueSize    int
	MaxR2T       uint32
	BlockOnFull  bool
	DialTimeout  time.Duration
}

// DefaultOptions returns the option set the spec prescribes: discovery
// subsystem, port 4420, 30s timeout, digests offered, queue size 32.
func DefaultOptions(host string) Options {
	return Options{
		Host:         host,
		Port:         DefaultPort,
		SubsystemNqn: nvme.DiscoverySubsysName,
		Timeout:      DefaultTimeout,
		HeaderDigest: true,
		DataDigest:   true,
		QueueSize:    DefaultQueueSize,
		BlockOnFull:  true,
	}
}

func (o *Options) applyDefaults() error {
	if o.Host == "" {
		return fmt.Errorf("host is required")
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.SubsystemNqn == "" {
		o.SubsystemNqn = nvme.DiscoverySubsysName
	}
	if o.HostNqn == "" {
		o.HostNqn = GenerateHostNqn()
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.QueueSize == 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = o.Timeout
	}
	if len(o.SubsystemNqn) > nvme.NqnMaxLen {
		return fmt.Errorf("subsystem nqn longer than %d bytes", nvme.NqnMaxLen)
	}
	if len(o.HostNqn) > nvme.NqnMaxLen {
		return fmt.Errorf("host nqn longer than %d bytes", nvme.NqnMaxLen)
	}
	return nil
}

// GenerateHostNqn returns a uuid-based host NQN.
func GenerateHostNqn() string {
	return fmt.Sprintf("nqn.2014-08.org.nvmexpress:uuid:%s", uuid.New().String())
}

// DeriveHostID derives the 128-bit host identifier from a host NQN: the
// first 16 bytes of its SHA-256, so the same NQN always presents the same
// identity.
func DeriveHostID(hostNqn string) [16]byte {
	sum := sha256.Sum256([]byte(hostNqn))
	var id [16]byte
	copy(id[:], sum[:16])
	return id
}

// Client is an NVMe over Fabrics host speaking NVMe/TCP to one controller.
// All operations are blocking request/response; the async event channel is
// the one exception and is served by RequestAsyncEvents/PollAsyncEvents.
type Client struct {
	opts   Options
	log    *logrus.Entry
	hostID [16]byte

	mu    sync.Mutex
	conn  *conn
	queue *tcpQueue

	controllerID uint16
	version      uint32
	capabilities *nvme.ControllerCapabilities
	controller   *nvme.ControllerInfo

	nsBlockSize map[uint32]uint32
}

// NewClient validates options and returns an unconnected client.
func NewClient(opts Options) (*Client, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	c := &Client{
		opts:        opts,
		log:         logrus.WithFields(logrus.Fields{"host": opts.Host, "subnqn": opts.SubsystemNqn}),
		nsBlockSize: make(map[uint32]uint32),
	}
	if opts.HostID != nil {
		c.hostID = *opts.HostID
	} else {
		c.hostID = DeriveHostID(opts.HostNqn)
	}
	return c, nil
}

// Connect dials the target and runs the initialization sequence in fixed
// order: ICReq/ICResp, fabrics Connect, controller property bring-up,
// Identify Controller. On return the session is Active.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue != nil {
		return &nvme.ConnectionError{Reason: "already connected"}
	}

	addr := net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
	tcpConn, err := net.DialTimeout("tcp", addr, c.opts.DialTimeout)
	if err != nil {
		return &nvme.ConnectionError{Reason: fmt.Sprintf("dial %s", addr), Err: err}
	}
	log := c.log.WithFields(logrus.Fields{
		"local_addr":  tcpConn.LocalAddr().String(),
		"remote_addr": tcpConn.RemoteAddr().String(),
	})
	c.conn = newConn(tcpConn, log)

	if err := c.handshake(); err != nil {
		c.conn.close()
		c.conn = nil
		return err
	}

	queue := newTCPQueue(c.conn, log, c.opts.Timeout, c.opts.QueueSize, c.opts.BlockOnFull)
	queue.setState(StateIcComplete)
	queue.start()
	c.queue = queue

	fail := func(err error) error {
		queue.fail(err)
		c.queue = nil
		c.conn = nil
		return err
	}

	if err := c.fabricConnect(); err != nil {
		return fail(err)
	}
	queue.setState(StateAdminReady)

	if err := c.initController(); err != nil {
		return fail(err)
	}
	queue.setState(StateActive)

	info, err := c.identifyControllerOn(queue)
	if err != nil {
		return fail(err)
	}
	c.controller = info

	if c.opts.Kato > 0 {
		queue.startKeepAlive(c.opts.Kato, c.sendKeepAlive)
	}
	log.Infof("session active: controller %#04x, model %q", c.controllerID, info.ModelNumber)
	return nil
}

// Disconnect closes the socket. NVMe/TCP has no goodbye PDU; the
// controller notices via socket close or keep-alive expiry. Every
// outstanding command fails with a connection error before this returns.
func (c *Client) Disconnect() {
	c.mu.Lock()
	queue := c.queue
	c.queue = nil
	c.conn = nil
	c.mu.Unlock()
	if queue != nil {
		queue.close()
	}
}

// State reports the connection lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	queue := c.queue
	c.mu.Unlock()
	if queue == nil {
		return StateClosed
	}
	return queue.getState()
}

// ControllerID returns the controller id assigned during fabric connect.
func (c *Client) ControllerID() uint16 {
	return c.controllerID
}

// Capabilities returns the CAP property read during bring-up.
func (c *Client) Capabilities() *nvme.ControllerCapabilities {
	return c.capabilities
}

// Version returns the VS property read during bring-up.
func (c *Client) Version() uint32 {
	return c.version
}

func (c *Client) activeQueue() (*tcpQueue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue == nil {
		return nil, &nvme.ConnectionError{Reason: "not connected"}
	}
	return c.queue, nil
}

// execute runs one command to completion: allocate a slot, stamp the
// command id via build, submit, block on the rendezvous and map a
// non-zero CQE status to CommandError.
func (c *Client) execute(opcode uint8, admin bool, expectLen uint32, payload []byte, build func(cmdID uint16) interface{}) (*nvme.Completion, []byte, error) {
	queue, err := c.activeQueue()
	if err != nil {
		return nil, nil, err
	}
	return c.executeOn(queue, opcode, admin, expectLen, payload, build)
}

func (c *Client) executeOn(queue *tcpQueue, opcode uint8, admin bool, expectLen uint32, payload []byte, build func(cmdID uint16) interface{}) (*nvme.Completion, []byte, error) {
	slot, err := queue.allocSlot(opcode, admin, time.Now().Add(c.opts.Timeout))
	if err != nil {
		return nil, nil, err
	}

	var inline []byte
	queue.mu.Lock()
	slot.expectLen = expectLen
	if len(payload) > 0 {
		slot.writeData = payload
		if c.inCapsuleBudget() >= uint32(len(payload)) {
			inline = payload
		}
	}
	queue.mu.Unlock()
	if err := queue.submit(slot, build(slot.cmdID), inline); err != nil {
		return nil, nil, err
	}
	cqe, data, err := queue.wait(slot)
	if err != nil {
		return nil, nil, err
	}
	if cqe.Failed() {
		return nil, nil, &nvme.CommandError{Opcode: opcode, CommandID: cqe.CommandID, Status: cqe.Status, CQE: cqe}
	}
	return cqe, data, nil
}

// inCapsuleBudget is how much data-out may ride in the command capsule:
// the 1024-byte connect payload until Identify Controller has been decoded,
// then the IOCCSZ-derived size for every command.
func (c *Client) inCapsuleBudget() uint32 {
	if c.controller == nil {
		return nvme.ConnectDataLen
	}
	return c.controller.InCapsuleDataSize()
}

// IdentifyController issues Identify CNS 0x01 and decodes the result.
func (c *Client) IdentifyController() (*nvme.ControllerInfo, error) {
	queue, err := c.activeQueue()
	if err != nil {
		return nil, err
	}
	info, err := c.identifyControllerOn(queue)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.controller = info
	c.mu.Unlock()
	return info, nil
}

func (c *Client) identifyControllerOn(queue *tcpQueue) (*nvme.ControllerInfo, error) {
	_, data, err := c.executeOn(queue, nvme.AdminIdentify, true, nvme.IdentifyDataLen, nil, func(cmdID uint16) interface{} {
		return nvme.NewIdentifyCommand(cmdID, nvme.CnsController, 0)
	})
	if err != nil {
		return nil, err
	}
	return nvme.DecodeControllerInfo(data)
}

// IdentifyNamespace issues Identify CNS 0x00 for one namespace.
func (c *Client) IdentifyNamespace(nsid uint32) (*nvme.NamespaceInfo, error) {
	if nsid == 0 {
		return nil, fmt.Errorf("nsid must be non-zero")
	}
	_, data, err := c.execute(nvme.AdminIdentify, true, nvme.IdentifyDataLen, nil, func(cmdID uint16) interface{} {
		return nvme.NewIdentifyCommand(cmdID, nvme.CnsNamespace, nsid)
	})
	if err != nil {
		return nil, err
	}
	info, err := nvme.DecodeNamespaceInfo(data, nsid)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.nsBlockSize[nsid] = info.BlockSize
	c.mu.Unlock()
	return info, nil
}

// ListNamespaces issues Identify CNS 0x02 and returns the active NSIDs in
// ascending order.
func (c *Client) ListNamespaces() ([]uint32, error) {
	_, data, err := c.execute(nvme.AdminIdentify, true, nvme.IdentifyDataLen, nil, func(cmdID uint16) interface{} {
		return nvme.NewIdentifyCommand(cmdID, nvme.CnsNamespaceList, 0)
	})
	if err != nil {
		return nil, err
	}
	return nvme.DecodeNamespaceList(data)
}

// GetLogPage fetches size bytes of a log page. size must be a non-zero
// multiple of four.
func (c *Client) GetLogPage(lid uint8, nsid uint32, size uint32) ([]byte, error) {
	return c.getLogPage(lid, nsid, size, 0)
}

func (c *Client) getLogPage(lid uint8, nsid uint32, size uint32, offset uint64) ([]byte, error) {
	if size == 0 || size%4 != 0 {
		return nil, fmt.Errorf("log page size must be a non-zero multiple of 4, got %d", size)
	}
	_, data, err := c.execute(nvme.AdminGetLogPage, true, size, nil, func(cmdID uint16) interface{} {
		return nvme.NewGetLogPageCommand(cmdID, lid, nsid, size, offset)
	})
	return data, err
}

// GetAnaLogPage fetches and decodes the ANA log page (LID 0x0c). The page
// is sized from the controller's ANA group and namespace limits.
func (c *Client) GetAnaLogPage() (*nvme.ANALogPage, error) {
	size := uint32(4096)
	if c.controller != nil && c.controller.AnaGrpMax > 0 {
		size = 16 + c.controller.AnaGrpMax*32 + c.controller.Mnan*4
		size = (size + 3) &^ 3
	}
	data, err := c.GetLogPage(nvme.LogPageAna, 0xffffffff, size)
	if err != nil {
		return nil, err
	}
	return nvme.DecodeANALogPage(data)
}

// GetChangedNamespaceList fetches the Changed Namespace List log page
// (LID 0x04). overflow is true when more than 1024 namespaces changed.
func (c *Client) GetChangedNamespaceList() (nsids []uint32, overflow bool, err error) {
	data, err := c.GetLogPage(nvme.LogPageChangedNs, 0, nvme.IdentifyDataLen)
	if err != nil {
		return nil, false, err
	}
	return nvme.DecodeChangedNamespaceList(data)
}

// GetDiscoveryEntries reads the discovery log page: header first to learn
// NUMREC, then the full page, then the header again to confirm GENCTR did
// not move underneath the read.
func (c *Client) GetDiscoveryEntries(maxEntries int) ([]nvme.DiscoveryEntry, error) {
	header, err := c.getLogPage(nvme.LogPageDiscovery, 0, nvme.DiscoveryLogEntriesOffset, 0)
	if err != nil {
		return nil, err
	}
	genCtr, numRec, err := nvme.DecodeDiscoveryLogHeader(header)
	if err != nil {
		return nil, err
	}
	if numRec == 0 {
		return nil, nil
	}
	if maxEntries > 0 && numRec > uint64(maxEntries) {
		numRec = uint64(maxEntries)
	}

	size := uint32(nvme.DiscoveryLogEntriesOffset + numRec*nvme.DiscoveryLogEntryLen)
	data, err := c.getLogPage(nvme.LogPageDiscovery, 0, size, 0)
	if err != nil {
		return nil, err
	}
	// the header still announces every record; decode only those fetched
	binary.LittleEndian.PutUint64(data[8:], numRec)
	page, err := nvme.DecodeDiscoveryLogPage(data)
	if err != nil {
		return nil, err
	}

	verify, err := c.getLogPage(nvme.LogPageDiscovery, 0, nvme.DiscoveryLogHeaderLen, 0)
	if err != nil {
		return nil, err
	}
	newGenCtr, _, err := nvme.DecodeDiscoveryLogHeader(verify)
	if err != nil {
		return nil, err
	}
	if newGenCtr != genCtr {
		return nil, &nvme.ProtocolError{Reason: "discovery log generation counter changed during read"}
	}
	return page.Entries, nil
}

// blockSize returns the cached logical block size of a namespace, issuing
// Identify Namespace on first use.
func (c *Client) blockSize(nsid uint32) (uint32, error) {
	c.mu.Lock()
	bs, ok := c.nsBlockSize[nsid]
	c.mu.Unlock()
	if ok && bs > 0 {
		return bs, nil
	}
	info, err := c.IdentifyNamespace(nsid)
	if err != nil {
		return 0, err
	}
	if info.BlockSize == 0 {
		return 0, &nvme.ProtocolError{Reason: fmt.Sprintf("namespace %d advertises no usable lba format", nsid)}
	}
	return info.BlockSize, nil
}

// ReadData reads nblocks logical blocks starting at lba and returns
// exactly nblocks * block_size bytes.
func (c *Client) ReadData(nsid uint32, lba uint64, nblocks uint32) ([]byte, error) {
	if nblocks == 0 {
		return nil, fmt.Errorf("read of zero blocks")
	}
	bs, err := c.blockSize(nsid)
	if err != nil {
		return nil, err
	}
	_, data, err := c.execute(nvme.NvmCmdRead, false, nblocks*bs, nil, func(cmdID uint16) interface{} {
		return nvme.NewReadCommand(cmdID, nsid, lba, nblocks, bs)
	})
	return data, err
}

// WriteData writes data starting at lba. The payload length must be a
// non-zero multiple of the namespace block size; it travels in-capsule
// when it fits, otherwise via the R2T path.
func (c *Client) WriteData(nsid uint32, lba uint64, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("write of zero bytes")
	}
	bs, err := c.blockSize(nsid)
	if err != nil {
		return err
	}
	if uint32(len(data))%bs != 0 {
		return fmt.Errorf("write length %d is not a multiple of block size %d", len(data), bs)
	}
	nblocks := uint32(len(data)) / bs
	_, _, err = c.execute(nvme.NvmCmdWrite, false, 0, data, func(cmdID uint16) interface{} {
		return nvme.NewWriteCommand(cmdID, nsid, lba, nblocks, bs)
	})
	return err
}

// CompareData compares data against the on-media content at lba.
func (c *Client) CompareData(nsid uint32, lba uint64, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("compare of zero bytes")
	}
	bs, err := c.blockSize(nsid)
	if err != nil {
		return err
	}
	if uint32(len(data))%bs != 0 {
		return fmt.Errorf("compare length %d is not a multiple of block size %d", len(data), bs)
	}
	nblocks := uint32(len(data)) / bs
	_, _, err = c.execute(nvme.NvmCmdCompare, false, 0, data, func(cmdID uint16) interface{} {
		return nvme.NewCompareCommand(cmdID, nsid, lba, nblocks, bs)
	})
	return err
}

// WriteZeroes zeroes nblocks logical blocks starting at lba.
func (c *Client) WriteZeroes(nsid uint32, lba uint64, nblocks uint32) error {
	if nblocks == 0 {
		return fmt.Errorf("write zeroes of zero blocks")
	}
	_, _, err := c.execute(nvme.NvmCmdWriteZeroes, false, 0, nil, func(cmdID uint16) interface{} {
		return nvme.NewWriteZeroesCommand(cmdID, nsid, lba, nblocks)
	})
	return err
}

// WriteUncorrectable marks nblocks logical blocks as uncorrectable.
func (c *Client) WriteUncorrectable(nsid uint32, lba uint64, nblocks uint32) error {
	if nblocks == 0 {
		return fmt.Errorf("write uncorrectable of zero blocks")
	}
	_, _, err := c.execute(nvme.NvmCmdWriteUncor, false, 0, nil, func(cmdID uint16) interface{} {
		return nvme.NewWriteUncorrectableCommand(cmdID, nsid, lba, nblocks)
	})
	return err
}

// FlushNamespace commits volatile write cache contents for a namespace.
func (c *Client) FlushNamespace(nsid uint32) error {
	_, _, err := c.execute(nvme.NvmCmdFlush, false, 0, nil, func(cmdID uint16) interface{} {
		return nvme.NewFlushCommand(cmdID, nsid)
	})
	return err
}

// GetFeatures reads a feature and returns CQE dword 0.
func (c *Client) GetFeatures(fid uint8, nsid uint32) (uint32, error) {
	cqe, _, err := c.execute(nvme.AdminGetFeatures, true, 0, nil, func(cmdID uint16) interface{} {
		return nvme.NewGetFeaturesCommand(cmdID, fid, nsid)
	})
	if err != nil {
		return 0, err
	}
	return cqe.Result.U32(), nil
}

// SetFeatures writes a feature and returns CQE dword 0.
func (c *Client) SetFeatures(fid uint8, value uint32, nsid uint32) (uint32, error) {
	cqe, _, err := c.execute(nvme.AdminSetFeatures, true, 0, nil, func(cmdID uint16) interface{} {
		return nvme.NewSetFeaturesCommand(cmdID, fid, value, nsid, false)
	})
	if err != nil {
		return 0, err
	}
	return cqe.Result.U32(), nil
}

// ReservationRegister registers, unregisters or replaces this host's
// reservation key on a namespace.
func (c *Client) ReservationRegister(nsid uint32, action nvme.ReservationRegisterAction, currentKey, newKey uint64, cptpl uint8) error {
	payload := nvme.ReservationKeys(currentKey, newKey)
	_, _, err := c.execute(nvme.NvmCmdResvRegister, false, 0, payload, func(cmdID uint16) interface{} {
		return nvme.NewReservationRegisterCommand(cmdID, nsid, action, false, cptpl)
	})
	return err
}

// ReservationAcquire acquires or preempts a reservation with a previously
// registered key.
func (c *Client) ReservationAcquire(nsid uint32, key uint64, rtype nvme.ReservationType, action nvme.ReservationAcquireAction) error {
	payload := nvme.ReservationKeys(key, 0)
	_, _, err := c.execute(nvme.NvmCmdResvAcquire, false, 0, payload, func(cmdID uint16) interface{} {
		return nvme.NewReservationAcquireCommand(cmdID, nsid, action, rtype)
	})
	return err
}

// ReservationRelease releases or clears a reservation held with key.
func (c *Client) ReservationRelease(nsid uint32, key uint64, rtype nvme.ReservationType) error {
	payload := nvme.ReservationKey(key)
	_, _, err := c.execute(nvme.NvmCmdResvRelease, false, 0, payload, func(cmdID uint16) interface{} {
		return nvme.NewReservationReleaseCommand(cmdID, nsid, nvme.ResvRelease, rtype)
	})
	return err
}

const reservationReportLen = 4096

// ReservationReport fetches the reservation status of a namespace in the
// extended (128-bit host id) format.
func (c *Client) ReservationReport(nsid uint32) (*nvme.ReservationStatus, error) {
	_, data, err := c.execute(nvme.NvmCmdResvReport, false, reservationReportLen, nil, func(cmdID uint16) interface{} {
		return nvme.NewReservationReportCommand(cmdID, nsid, reservationReportLen, true)
	})
	if err != nil {
		return nil, err
	}
	return nvme.DecodeReservationStatus(data, true)
}

// EnableAsyncEvents configures which event classes the controller may
// report, via Set Features FID 0x0b.
func (c *Client) EnableAsyncEvents(mask uint32) error {
	_, err := c.SetFeatures(nvme.FeatureAsyncEventConfig, mask, 0)
	return err
}

// RequestAsyncEvents pre-posts n Asynchronous Event Request commands.
// They occupy ordinary command slots with no deadline; completions are
// decoded into the AEN queue instead of waking a caller. The engine never
// re-posts on its own.
func (c *Client) RequestAsyncEvents(n int) error {
	queue, err := c.activeQueue()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		slot, err := queue.allocSlot(nvme.AdminAsyncEvent, true, time.Time{})
		if err != nil {
			return err
		}
		queue.mu.Lock()
		slot.aen = true
		queue.mu.Unlock()
		if err := queue.submit(slot, nvme.NewAsyncEventCommand(slot.cmdID), nil); err != nil {
			return err
		}
	}
	return nil
}

// PollAsyncEvents drains the AEN queue, waiting up to timeout for the
// first event. A nil slice means the timeout expired with nothing queued.
func (c *Client) PollAsyncEvents(timeout time.Duration) ([]*nvme.AsyncEvent, error) {
	queue, err := c.activeQueue()
	if err != nil {
		return nil, err
	}
	return queue.drainAsyncEvents(timeout), nil
}

// AsyncEventsDropped reports how many events the bounded AEN queue has
// discarded on overflow.
func (c *Client) AsyncEventsDropped() uint64 {
	queue, err := c.activeQueue()
	if err != nil {
		return 0
	}
	return queue.asyncEventsDropped()
}
