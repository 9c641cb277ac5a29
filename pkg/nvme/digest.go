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
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Digest type bits carried in the ICReq/ICResp DIGEST byte.
const (
	DigestHeaderEnable uint8 = 0x01
	DigestDataEnable   uint8 = 0x02
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Digest computes the CRC32C over b, as mandated for HDGST and DDGST.
func Digest(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}

func writeDigest(buf *bytes.Buffer, covered []byte) {
	var d [DigestLen]byte
	binary.LittleEndian.PutUint32(d[:], Digest(covered))
	buf.Write(d[:])
}

func verifyDigest(covered, wire []byte) error {
	want := binary.LittleEndian.Uint32(wire)
	if got := Digest(covered); got != want {
		return &ProtocolError{Reason: fmt.Sprintf("digest mismatch: computed %#08x, received %#08x", got, want)}
	}
	return nil
}
