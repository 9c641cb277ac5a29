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
	"encoding/binary"
	"fmt"
)

// Transport types in a discovery log entry TRTYPE field.
const (
	TransportRDMA uint8 = 1
	TransportFC   uint8 = 2
	TransportTCP  uint8 = 3
)

// Address families in a discovery log entry ADRFAM field.
const (
	AdrFamIPv4 uint8 = 1
	AdrFamIPv6 uint8 = 2
)

// Subsystem types in a discovery log entry SUBTYPE field.
const (
	SubTypeDiscoveryReferral uint8 = 1
	SubTypeNvme              uint8 = 2
	SubTypeCurrentDiscovery  uint8 = 3
)

const (
	// DiscoveryLogHeaderLen is the fixed portion of the discovery log page.
	DiscoveryLogHeaderLen = 16
	// DiscoveryLogEntryLen is the size of one discovery log entry; entries
	// start at offset 1024.
	DiscoveryLogEntryLen = 1024
	// DiscoveryLogEntriesOffset is where the first entry begins.
	DiscoveryLogEntriesOffset = 1024
)

// DiscoveryEntry is one record of the discovery log page.
type DiscoveryEntry struct {
	TransportType      uint8
	AddressFamily      uint8
	SubsystemType      uint8
	Treq               uint8
	PortID             uint16
	ControllerID       uint16
	AdminMaxSqSize     uint16
	TransportServiceID string
	SubsystemNqn       string
	TransportAddress   string
	Tsas               [256]byte
}

// IsNvmeSubsystem reports whether the entry names a connectable NVM
// subsystem rather than a discovery referral.
func (e *DiscoveryEntry) IsNvmeSubsystem() bool {
	return e.SubsystemType == SubTypeNvme
}

// DiscoveryLogPage is the decoded discovery log (LID 0x70).
type DiscoveryLogPage struct {
	GenCounter uint64
	NumRecords uint64
	RecordFmt  uint16
	Entries    []DiscoveryEntry
}

// DecodeDiscoveryLogHeader parses only the fixed header, used to size the
// follow-up full-page request.
func DecodeDiscoveryLogHeader(data []byte) (genCtr, numRec uint64, err error) {
	if len(data) < DiscoveryLogHeaderLen {
		return 0, 0, parseErr("discovery log header", len(data), DiscoveryLogHeaderLen)
	}
	le := binary.LittleEndian
	return le.Uint64(data[0:]), le.Uint64(data[8:]), nil
}

// DecodeDiscoveryLogPage parses the discovery log page. Entries that do not
// fit in the buffer are a parse error: the caller sized the transfer from
// NUMREC and a short page means the controller and host disagree.
func DecodeDiscoveryLogPage(data []byte) (*DiscoveryLogPage, error) {
	genCtr, numRec, err := DecodeDiscoveryLogHeader(data)
	if err != nil {
		return nil, err
	}
	le := binary.LittleEndian
	page := &DiscoveryLogPage{
		GenCounter: genCtr,
		NumRecords: numRec,
		RecordFmt:  le.Uint16(data[16:]),
	}
	for i := uint64(0); i < numRec; i++ {
		off := DiscoveryLogEntriesOffset + int(i)*DiscoveryLogEntryLen
		if off+DiscoveryLogEntryLen > len(data) {
			return nil, &ProtocolError{Reason: fmt.Sprintf("discovery log entry %d truncated: page is %d bytes", i, len(data))}
		}
		entry := data[off : off+DiscoveryLogEntryLen]
		rec := DiscoveryEntry{
			TransportType:      entry[0],
			AddressFamily:      entry[1],
			SubsystemType:      entry[2],
			Treq:               entry[3],
			PortID:             le.Uint16(entry[4:]),
			ControllerID:       le.Uint16(entry[6:]),
			AdminMaxSqSize:     le.Uint16(entry[8:]),
			TransportServiceID: asciiField(entry, 32, 32),
			SubsystemNqn:       asciiField(entry, 256, 256),
			TransportAddress:   asciiField(entry, 512, 256),
		}
		copy(rec.Tsas[:], entry[768:1024])
		page.Entries = append(page.Entries, rec)
	}
	return page, nil
}
