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

// CompletionLen is the size of a completion queue entry.
const CompletionLen = 16

// CompletionResult is dwords 0-1 of a CQE, interpreted per command family.
type CompletionResult struct {
	Result [8]byte `struc:"[8]uint8"`
}

func (r *CompletionResult) U16() uint16 {
	return binary.LittleEndian.Uint16(r.Result[:2])
}

func (r *CompletionResult) U32() uint32 {
	return binary.LittleEndian.Uint32(r.Result[:4])
}

func (r *CompletionResult) U64() uint64 {
	return binary.LittleEndian.Uint64(r.Result[:])
}

func (r *CompletionResult) SetU16(v uint16) {
	binary.LittleEndian.PutUint16(r.Result[:2], v)
}

func (r *CompletionResult) SetU32(v uint32) {
	binary.LittleEndian.PutUint32(r.Result[:4], v)
}

func (r *CompletionResult) SetU64(v uint64) {
	binary.LittleEndian.PutUint64(r.Result[:], v)
}

// Completion is the 16-byte completion queue entry.
type Completion struct {
	Result    CompletionResult
	SqHead    uint16 `struc:"uint16,little"`
	SqID      uint16 `struc:"uint16,little"`
	CommandID uint16 `struc:"uint16,little"`
	Status    uint16 `struc:"uint16,little"`
}

// Failed reports whether the status field, phase tag excluded, is non-zero.
func (c *Completion) Failed() bool {
	return !StatusOK(c.Status)
}

func (c *Completion) String() string {
	return fmt.Sprintf("cqe id: %#04x, sq: %d, head: %d, status: %s, dw0: %#08x",
		c.CommandID, c.SqID, c.SqHead, FormatStatus(c.Status), c.Result.U32())
}
