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

// ReservationType is the RTYPE field of reservation commands and reports.
type ReservationType uint8

const (
	ResvWriteExclusive               ReservationType = 1
	ResvExclusiveAccess              ReservationType = 2
	ResvWriteExclusiveRegistrants    ReservationType = 3
	ResvExclusiveAccessRegistrants   ReservationType = 4
	ResvWriteExclusiveAllRegistrant  ReservationType = 5
	ResvExclusiveAccessAllRegistrant ReservationType = 6
)

// ReservationRegisterAction is the RREGA field of Reservation Register.
type ReservationRegisterAction uint8

const (
	ResvRegister   ReservationRegisterAction = 0
	ResvUnregister ReservationRegisterAction = 1
	ResvReplace    ReservationRegisterAction = 2
)

// ReservationAcquireAction is the RACQA field of Reservation Acquire.
type ReservationAcquireAction uint8

const (
	ResvAcquire         ReservationAcquireAction = 0
	ResvPreempt         ReservationAcquireAction = 1
	ResvPreemptAndAbort ReservationAcquireAction = 2
)

// ReservationReleaseAction is the RRELA field of Reservation Release.
type ReservationReleaseAction uint8

const (
	ResvRelease ReservationReleaseAction = 0
	ResvClear   ReservationReleaseAction = 1
)

// Registrant is one registered controller in a reservation report.
type Registrant struct {
	ControllerID     uint16
	HoldsReservation bool
	HostID           [16]byte
	HostIDBits       int
	ReservationKey   uint64
}

// ReservationStatus is the decoded Reservation Report data structure.
type ReservationStatus struct {
	Generation     uint32
	Type           ReservationType
	PersistThrough bool
	Registrants    []Registrant
}

// Holder returns the registrant holding the reservation, if any.
func (s *ReservationStatus) Holder() (Registrant, bool) {
	for _, r := range s.Registrants {
		if r.HoldsReservation {
			return r, true
		}
	}
	return Registrant{}, false
}

const (
	resvHeaderLen        = 24
	resvRegistrantLen    = 24
	resvExtRegistrantLen = 64
	resvExtEntriesOffset = 64
)

// DecodeReservationStatus parses a Reservation Report payload. extended
// selects the EDS=1 layout (64-byte registrants with 128-bit host ids);
// the standard layout packs 24-byte registrants right after the header.
func DecodeReservationStatus(data []byte, extended bool) (*ReservationStatus, error) {
	if len(data) < resvHeaderLen {
		return nil, parseErr("reservation status", len(data), resvHeaderLen)
	}
	le := binary.LittleEndian
	status := &ReservationStatus{
		Generation:     le.Uint32(data[0:]),
		Type:           ReservationType(data[4]),
		PersistThrough: data[9]&0x1 != 0,
	}
	regctl := int(le.Uint16(data[5:]))

	entryLen := resvRegistrantLen
	off := resvHeaderLen
	if extended {
		entryLen = resvExtRegistrantLen
		off = resvExtEntriesOffset
	}
	for i := 0; i < regctl; i++ {
		if off+entryLen > len(data) {
			return nil, &ProtocolError{Reason: fmt.Sprintf("reservation registrant %d of %d truncated", i, regctl)}
		}
		entry := data[off : off+entryLen]
		reg := Registrant{
			ControllerID:     le.Uint16(entry[0:]),
			HoldsReservation: entry[2]&0x1 != 0,
		}
		if extended {
			reg.ReservationKey = le.Uint64(entry[8:])
			copy(reg.HostID[:], entry[16:32])
			reg.HostIDBits = 128
		} else {
			copy(reg.HostID[:8], entry[8:16])
			reg.HostIDBits = 64
			reg.ReservationKey = le.Uint64(entry[16:])
		}
		status.Registrants = append(status.Registrants, reg)
		off += entryLen
	}
	return status, nil
}

// ReservationKeys packs the 16-byte data payload of Register, Acquire and
// Preempt: the current key followed by the new (or preempted) key.
func ReservationKeys(currentKey, secondKey uint64) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:], currentKey)
	binary.LittleEndian.PutUint64(buf[8:], secondKey)
	return buf
}

// ReservationKey packs the 8-byte Release payload.
func ReservationKey(key uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, key)
	return buf
}
