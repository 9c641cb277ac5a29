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

import "fmt"

// Status code types (SCT), bits 11:9 of the CQE status field.
const (
	SctGeneric         uint8 = 0x0
	SctCommandSpecific uint8 = 0x1
	SctMediaIntegrity  uint8 = 0x2
	SctPathRelated     uint8 = 0x3
	SctVendorSpecific  uint8 = 0x7
)

// Generic status codes (SCT=0).
const (
	ScSuccess             uint8 = 0x00
	ScInvalidOpcode       uint8 = 0x01
	ScInvalidField        uint8 = 0x02
	ScCommandIDConflict   uint8 = 0x03
	ScDataTransferError   uint8 = 0x04
	ScInternalError       uint8 = 0x06
	ScAbortRequested      uint8 = 0x07
	ScInvalidNamespace    uint8 = 0x0b
	ScSglOffsetInvalid    uint8 = 0x16
	ScKeepAliveExpired    uint8 = 0x19
	ScKeepAliveInvalid    uint8 = 0x1a
	ScWriteProtected      uint8 = 0x20
	ScLbaOutOfRange       uint8 = 0x80
	ScCapacityExceeded    uint8 = 0x81
	ScNamespaceNotReady   uint8 = 0x82
	ScReservationConflict uint8 = 0x83
)

// Fabrics status codes, reported with SCT=1 on fabrics commands.
const (
	ScConnectIncompatibleFormat uint8 = 0x80
	ScConnectControllerBusy     uint8 = 0x81
	ScConnectInvalidParam       uint8 = 0x82
	ScConnectRestartDiscovery   uint8 = 0x83
	ScConnectInvalidHost        uint8 = 0x84
)

type statusKey struct {
	sct uint8
	sc  uint8
}

var statusDescriptions = map[statusKey]string{
	{SctGeneric, ScSuccess}:             "Successful Completion",
	{SctGeneric, ScInvalidOpcode}:       "Invalid Command Opcode",
	{SctGeneric, ScInvalidField}:        "Invalid Field in Command",
	{SctGeneric, ScCommandIDConflict}:   "Command ID Conflict",
	{SctGeneric, ScDataTransferError}:   "Data Transfer Error",
	{SctGeneric, 0x05}:                  "Commands Aborted due to Power Loss Notification",
	{SctGeneric, ScInternalError}:       "Internal Error",
	{SctGeneric, ScAbortRequested}:      "Command Abort Requested",
	{SctGeneric, 0x08}:                  "Command Aborted due to SQ Deletion",
	{SctGeneric, ScInvalidNamespace}:    "Invalid Namespace or Format",
	{SctGeneric, 0x0c}:                  "Command Sequence Error",
	{SctGeneric, 0x0d}:                  "Invalid SGL Last Segment Descriptor",
	{SctGeneric, 0x0e}:                  "Invalid Number of SGL Descriptors",
	{SctGeneric, 0x0f}:                  "Invalid SGL Data Length",
	{SctGeneric, 0x11}:                  "Invalid SGL Descriptor Type",
	{SctGeneric, ScSglOffsetInvalid}:    "SGL Offset Invalid",
	{SctGeneric, 0x18}:                  "Host Identifier Inconsistent Format",
	{SctGeneric, ScKeepAliveExpired}:    "Keep Alive Timer Expired",
	{SctGeneric, ScKeepAliveInvalid}:    "Keep Alive Timeout Invalid",
	{SctGeneric, ScWriteProtected}:      "Namespace is Write Protected",
	{SctGeneric, 0x21}:                  "Command Interrupted",
	{SctGeneric, 0x22}:                  "Transient Transport Error",
	{SctGeneric, ScLbaOutOfRange}:       "LBA Out of Range",
	{SctGeneric, ScCapacityExceeded}:    "Capacity Exceeded",
	{SctGeneric, ScNamespaceNotReady}:   "Namespace Not Ready",
	{SctGeneric, ScReservationConflict}: "Reservation Conflict",

	{SctCommandSpecific, 0x01}: "Invalid Queue Identifier",
	{SctCommandSpecific, 0x02}: "Invalid Queue Size",
	{SctCommandSpecific, 0x03}: "Abort Command Limit Exceeded",
	{SctCommandSpecific, 0x05}: "Asynchronous Event Request Limit Exceeded",
	{SctCommandSpecific, 0x09}: "Invalid Log Page",
	{SctCommandSpecific, 0x0a}: "Invalid Format",
	{SctCommandSpecific, 0x0d}: "Feature Identifier Not Saveable",
	{SctCommandSpecific, 0x0e}: "Feature Not Changeable",
	{SctCommandSpecific, 0x0f}: "Feature Not Namespace Specific",
	{SctCommandSpecific, 0x24}: "ANA Group Identifier Invalid",
	{SctCommandSpecific, 0x25}: "ANA Attach Failed",

	{SctCommandSpecific, ScConnectIncompatibleFormat}: "Incompatible Format",
	{SctCommandSpecific, ScConnectControllerBusy}:     "Controller Busy",
	{SctCommandSpecific, ScConnectInvalidParam}:       "Connect Invalid Parameters",
	{SctCommandSpecific, ScConnectRestartDiscovery}:   "Restart Discovery",
	{SctCommandSpecific, ScConnectInvalidHost}:        "Connect Invalid Host",

	{SctMediaIntegrity, 0x80}: "LBA Out of Range",
	{SctMediaIntegrity, 0x81}: "Unrecovered Read Error",
	{SctMediaIntegrity, 0x85}: "Compare Failure",
	{SctMediaIntegrity, 0x86}: "Access Denied",
	{SctMediaIntegrity, 0x87}: "Deallocated or Unwritten Logical Block",

	{SctPathRelated, 0x00}: "Internal Path Error",
	{SctPathRelated, 0x01}: "Asymmetric Access Persistent Loss",
	{SctPathRelated, 0x02}: "Asymmetric Access Inaccessible",
	{SctPathRelated, 0x03}: "Asymmetric Access Transition",
}

// StatusDescription returns the spec name for an (SCT, SC) pair.
func StatusDescription(sct, sc uint8) string {
	if desc, ok := statusDescriptions[statusKey{sct, sc}]; ok {
		return desc
	}
	return fmt.Sprintf("Unknown Status (SCT=%#x, SC=%#02x)", sct, sc)
}

// FormatStatus renders the full 16-bit CQE status field: phase tag in bit 0,
// SC in bits 8:1, SCT in bits 11:9, More in bit 14 and DNR in bit 15.
func FormatStatus(status uint16) string {
	sc := uint8((status >> 1) & 0xff)
	sct := uint8((status >> 9) & 0x7)
	out := fmt.Sprintf("%#02x (%s)", sc, StatusDescription(sct, sc))
	if status&(1<<15) != 0 {
		out += " [DNR]"
	}
	if status&(1<<14) != 0 {
		out += " [More]"
	}
	return out
}

// StatusOK reports whether the status field, phase tag excluded, is zero.
func StatusOK(status uint16) bool {
	return status&0xfffe == 0
}
