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

// ANAState is the access state of an ANA group as seen from this controller.
type ANAState uint8

const (
	ANAOptimized      ANAState = 0x01
	ANANonOptimized   ANAState = 0x02
	ANAInaccessible   ANAState = 0x03
	ANAPersistentLoss ANAState = 0x04
	ANAChange         ANAState = 0x0f
)

func (s ANAState) String() string {
	switch s {
	case ANAOptimized:
		return "optimized"
	case ANANonOptimized:
		return "non-optimized"
	case ANAInaccessible:
		return "inaccessible"
	case ANAPersistentLoss:
		return "persistent-loss"
	case ANAChange:
		return "change"
	}
	return fmt.Sprintf("unknown(%#02x)", uint8(s))
}

// Accessible reports whether I/O can be served through this path.
func (s ANAState) Accessible() bool {
	return s == ANAOptimized || s == ANANonOptimized
}

// ANAGroup is one group descriptor of the ANA log page.
type ANAGroup struct {
	GroupID      uint32
	ChangeCount  uint64
	State        ANAState
	NamespaceIDs []uint32
}

// ANALogPage is the decoded ANA log page (LID 0x0c).
type ANALogPage struct {
	ChangeCount uint64
	Groups      []ANAGroup
}

// StateOf returns the ANA state of a namespace, or false if the log does
// not mention it.
func (p *ANALogPage) StateOf(nsid uint32) (ANAState, bool) {
	for _, g := range p.Groups {
		for _, id := range g.NamespaceIDs {
			if id == nsid {
				return g.State, true
			}
		}
	}
	return 0, false
}

const (
	anaHeaderLen = 16
	anaGroupLen  = 32
)

// DecodeANALogPage parses an ANA log page: a 16-byte header followed by
// NGRPS variable-length group descriptors.
func DecodeANALogPage(data []byte) (*ANALogPage, error) {
	if len(data) < anaHeaderLen {
		return nil, parseErr("ana log page", len(data), anaHeaderLen)
	}
	le := binary.LittleEndian
	page := &ANALogPage{
		ChangeCount: le.Uint64(data[0:]),
	}
	ngrps := int(le.Uint16(data[8:]))

	off := anaHeaderLen
	for i := 0; i < ngrps; i++ {
		if off+anaGroupLen > len(data) {
			return nil, &ProtocolError{Reason: fmt.Sprintf("ana group descriptor %d truncated at offset %d", i, off)}
		}
		group := ANAGroup{
			GroupID:     le.Uint32(data[off:]),
			ChangeCount: le.Uint64(data[off+8:]),
			State:       ANAState(data[off+16] & 0x0f),
		}
		nnsids := int(le.Uint32(data[off+4:]))
		off += anaGroupLen
		if off+nnsids*4 > len(data) {
			return nil, &ProtocolError{Reason: fmt.Sprintf("ana group %d claims %d nsids past end of page", group.GroupID, nnsids)}
		}
		for n := 0; n < nnsids; n++ {
			group.NamespaceIDs = append(group.NamespaceIDs, le.Uint32(data[off+n*4:]))
		}
		off += nnsids * 4
		page.Groups = append(page.Groups, group)
	}
	return page, nil
}
