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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildAnaLogPage(changeCount uint64, groups []ANAGroup) []byte {
	size := 16
	for _, g := range groups {
		size += 32 + 4*len(g.NamespaceIDs)
	}
	data := make([]byte, size)
	le := binary.LittleEndian
	le.PutUint64(data[0:], changeCount)
	le.PutUint16(data[8:], uint16(len(groups)))

	off := 16
	for _, g := range groups {
		le.PutUint32(data[off:], g.GroupID)
		le.PutUint32(data[off+4:], uint32(len(g.NamespaceIDs)))
		le.PutUint64(data[off+8:], g.ChangeCount)
		data[off+16] = uint8(g.State)
		off += 32
		for _, nsid := range g.NamespaceIDs {
			le.PutUint32(data[off:], nsid)
			off += 4
		}
	}
	return data
}

func TestDecodeANALogPage(t *testing.T) {
	page, err := DecodeANALogPage(buildAnaLogPage(42, []ANAGroup{
		{GroupID: 1, ChangeCount: 10, State: ANAOptimized, NamespaceIDs: []uint32{1, 2}},
		{GroupID: 2, ChangeCount: 11, State: ANAInaccessible, NamespaceIDs: []uint32{3}},
	}))
	require.NoError(t, err)

	assert.Equal(t, uint64(42), page.ChangeCount)
	require.Len(t, page.Groups, 2)
	assert.Equal(t, uint32(1), page.Groups[0].GroupID)
	assert.Equal(t, ANAOptimized, page.Groups[0].State)
	assert.Equal(t, []uint32{1, 2}, page.Groups[0].NamespaceIDs)
	assert.Equal(t, ANAInaccessible, page.Groups[1].State)

	total := 0
	for _, g := range page.Groups {
		total += len(g.NamespaceIDs)
	}
	assert.Equal(t, 3, total)

	state, ok := page.StateOf(3)
	require.True(t, ok)
	assert.Equal(t, ANAInaccessible, state)
	assert.False(t, state.Accessible())
	_, ok = page.StateOf(99)
	assert.False(t, ok)
}

func TestDecodeANALogPageEmptyGroup(t *testing.T) {
	page, err := DecodeANALogPage(buildAnaLogPage(1, []ANAGroup{
		{GroupID: 9, State: ANAChange},
	}))
	require.NoError(t, err)
	require.Len(t, page.Groups, 1)
	assert.Empty(t, page.Groups[0].NamespaceIDs)
	assert.Equal(t, ANAChange, page.Groups[0].State)
}

func TestDecodeANALogPageTruncatedDescriptor(t *testing.T) {
	data := buildAnaLogPage(1, []ANAGroup{{GroupID: 1, State: ANAOptimized, NamespaceIDs: []uint32{1}}})
	_, err := DecodeANALogPage(data[:20])
	require.Error(t, err)
	assert.IsType(t, &ProtocolError{}, err)
}

func TestDecodeANALogPageNsidListPastEnd(t *testing.T) {
	data := buildAnaLogPage(1, []ANAGroup{{GroupID: 1, State: ANAOptimized, NamespaceIDs: []uint32{1}}})
	// claim more nsids than the buffer holds
	binary.LittleEndian.PutUint32(data[16+4:], 1000)
	_, err := DecodeANALogPage(data)
	require.Error(t, err)
	assert.IsType(t, &ProtocolError{}, err)
}

func TestDecodeANALogPageShortHeader(t *testing.T) {
	_, err := DecodeANALogPage(make([]byte, 8))
	require.Error(t, err)
	assert.IsType(t, &ProtocolError{}, err)
}
