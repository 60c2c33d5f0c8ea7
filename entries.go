/* SPDX-License-Identifier: Apache-2.0
 *
 * Copyright 2023 Damian Peckett <damian@peckett>.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package qcow2

import (
	"encoding/binary"
	"fmt"
)

const (
	l1CopiedBit     = uint64(1) << 63
	l1OffsetMask    = (uint64(1)<<47 - 1) << 9 // bits 9..55
	l2CopiedBit     = uint64(1) << 63
	l2CompressedBit = uint64(1) << 62
	l2ZeroBit       = uint64(1)
	l2OffsetMask    = (uint64(1)<<47 - 1) << 9 // bits 9..55, standard entries only
)

// L1Entry is a single 64-bit entry of the active L1 table.
type L1Entry uint64

// Copied reports whether bit 63 (COPIED) is set: the referenced L2 table
// is exclusively owned by this snapshot/image.
func (e L1Entry) Copied() bool {
	return uint64(e)&l1CopiedBit != 0
}

// L2Offset is the cluster-aligned host offset of the referenced L2
// table, or 0 if this L1 entry is unallocated.
func (e L1Entry) L2Offset() int64 {
	return int64(uint64(e) & l1OffsetMask)
}

// readL2Table loads the L2 table an L1 entry points to. It reports
// "absent" (table == nil) when the entry has no L2 offset, meaning the
// entire range covered by this L1 slot reads as zero.
func readL2Table(r readerAtLen, hdr *Header, l1e L1Entry) ([]L2Entry, error) {
	offset := l1e.L2Offset()
	if offset == 0 {
		return nil, nil
	}

	n := hdr.l2EntriesPerTable()
	buf := make([]byte, n*8)
	if _, err := r.ReadAt(buf, offset); err != nil {
		return nil, parseErrorf("read L2 table", err)
	}

	table := make([]L2Entry, n)
	for i := range table {
		table[i] = L2Entry(binary.BigEndian.Uint64(buf[i*8:]))
	}

	return table, nil
}

// readerAtLen is the subset of io.ReaderAt the entry model needs; kept
// separate from io.ReaderAt only so callers can see exactly what's used.
type readerAtLen interface {
	ReadAt(p []byte, off int64) (int, error)
}

// L2Entry is a single 64-bit entry of an L2 table.
type L2Entry uint64

// Copied reports whether bit 63 (COPIED) is set.
func (e L2Entry) Copied() bool {
	return uint64(e)&l2CopiedBit != 0
}

// Compressed reports whether this entry describes a compressed cluster
// (bit 62).
func (e L2Entry) Compressed() bool {
	return uint64(e)&l2CompressedBit != 0
}

// Zero reports whether this entry is a standard entry with the ZERO bit
// (bit 0) set: the cluster reads as all zeros regardless of any host
// offset the entry might also carry.
func (e L2Entry) Zero() bool {
	return !e.Compressed() && uint64(e)&l2ZeroBit != 0
}

// Unallocated reports whether this is a standard entry with no host
// offset and the ZERO bit clear: the cluster has never been written and
// reads as zero.
func (e L2Entry) Unallocated() bool {
	return !e.Compressed() && !e.Zero() && e.HostOffset() == 0
}

// HostOffset returns the cluster-aligned host byte offset of a standard
// entry's cluster. Only meaningful when !Compressed().
func (e L2Entry) HostOffset() int64 {
	return int64(uint64(e) & l2OffsetMask)
}

// compressedHostClusterBits returns the bit position (x in spec.md §4.6)
// that separates a compressed entry's offset field from its sector-count
// field: x = 62 - (cluster_bits - 8).
func compressedHostClusterBits(clusterBits uint32) uint {
	return uint(62 - (int(clusterBits) - 8))
}

// CompressedOffset returns the (not cluster-aligned) host byte offset at
// which a compressed entry's payload begins. Only meaningful when
// Compressed().
func (e L2Entry) CompressedOffset(clusterBits uint32) int64 {
	x := compressedHostClusterBits(clusterBits)
	mask := uint64(1)<<x - 1
	return int64(uint64(e) & mask)
}

// CompressedLength returns the byte length of a compressed entry's
// payload span: 512 * (extra sectors + 1). Decompressors are tolerant of
// trailing bytes within the final sector, so this may over-report the
// true compressed size by up to 511 bytes.
func (e L2Entry) CompressedLength(clusterBits uint32) int64 {
	x := compressedHostClusterBits(clusterBits)
	extraSectors := (uint64(e) >> x) & (uint64(1)<<(61-x+1) - 1)
	return int64(extraSectors+1) * 512
}

func (e L2Entry) String() string {
	switch {
	case e.Compressed():
		return "L2Entry{compressed}"
	case e.Zero():
		return "L2Entry{zero}"
	case e.Unallocated():
		return "L2Entry{unallocated}"
	default:
		return fmt.Sprintf("L2Entry{host=%#x}", e.HostOffset())
	}
}
