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

package qcow2_test

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
)

// imageBuilder assembles a minimal, hand-crafted v3 QCOW2 image byte buffer
// for tests. It lays out a 104-byte header, an immediately-terminated
// extension area, a one-entry L1 table, a single L2 table, and whatever
// data clusters the test needs, all using a 512-byte (cluster_bits=9)
// cluster size so the whole image stays small.
type imageBuilder struct {
	clusterBits uint32
	size        uint64

	incompatible uint64

	l1TableOffset int64
	l2TableOffset int64
	l2Entries     []uint64

	extra map[int64][]byte // additional cluster-aligned regions, offset -> data
}

func newImageBuilder() *imageBuilder {
	return &imageBuilder{
		clusterBits:   9,
		l1TableOffset: 512,
		l2TableOffset: 1024,
		extra:         map[int64][]byte{},
	}
}

func (b *imageBuilder) clusterSize() int64 {
	return int64(1) << b.clusterBits
}

func (b *imageBuilder) setL2Entry(index int, entry uint64) {
	for len(b.l2Entries) <= index {
		b.l2Entries = append(b.l2Entries, 0)
	}
	b.l2Entries[index] = entry
}

func (b *imageBuilder) putCluster(offset int64, data []byte) {
	buf := make([]byte, b.clusterSize())
	copy(buf, data)
	b.extra[offset] = buf
}

// deflateCluster returns a standalone zlib-deflate stream decompressing to
// data (data must be clusterSize() bytes), suitable as a compressed L2
// entry's payload.
func (b *imageBuilder) deflateCluster(data []byte) []byte {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		panic(err)
	}
	if _, err := w.Write(data); err != nil {
		panic(err)
	}
	if err := w.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// build renders the full image into a byte slice.
func (b *imageBuilder) build() []byte {
	const headerLen = 104

	total := b.l2TableOffset + b.clusterSize()
	for off, data := range b.extra {
		if end := off + int64(len(data)); end > total {
			total = end
		}
	}
	out := make([]byte, total)

	put32 := func(off int64, v uint32) { binary.BigEndian.PutUint32(out[off:], v) }
	put64 := func(off int64, v uint64) { binary.BigEndian.PutUint64(out[off:], v) }

	put32(0, 0x514649FB) // magic
	put32(4, 3)          // version
	put64(8, 0)          // backing file offset
	put32(16, 0)         // backing file size
	put32(20, b.clusterBits)
	put64(24, b.size)
	put32(32, 0) // crypt method
	put32(36, 1) // l1 size
	put64(40, uint64(b.l1TableOffset))
	put64(48, 0) // refcount table offset
	put32(56, 0) // refcount table clusters
	put32(60, 0) // nb snapshots
	put64(64, 0) // snapshots offset
	put64(72, b.incompatible)
	put64(80, 0)  // compatible features
	put64(88, 0)  // autoclear features
	put32(96, 4)  // refcount order
	put32(100, headerLen)

	// Extension area: immediate end-of-area sentinel at offset 104.
	put32(104, 0)
	put32(108, 0)

	l1Entry := uint64(b.l2TableOffset)
	put64(b.l1TableOffset, l1Entry)

	for i, entry := range b.l2Entries {
		put64(b.l2TableOffset+int64(i)*8, entry)
	}

	for off, data := range b.extra {
		copy(out[off:], data)
	}

	return out
}
