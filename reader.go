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
	"bytes"
	"compress/flate"
	"fmt"
	"io"

	"github.com/goburrow/cache"
	"github.com/klauspost/compress/zstd"
)

// l2CacheSize bounds the L2 table cache. A single L1 index is enough to
// cover sequential reads; a second slot absorbs a short backtrack across
// an L1 boundary without thrashing.
const l2CacheSize = 2

// compressedCacheSize bounds the decompressed-cluster scratch cache,
// independently of the L2 cache (spec: the two must be cached
// independently).
const compressedCacheSize = 2

// Reader provides random-access, sequential-cursor reads over a QCOW2
// virtual disk. Read and Seek share one cursor and are not safe for
// concurrent use by multiple goroutines. ReadAt does not touch the cursor
// and takes no lock of its own; its L2 and compressed-cluster caches are
// safe for concurrent use, so concurrent ReadAt calls are safe when src
// allows concurrent ReadAt calls (as *os.File does). Distinct Readers may
// share the same (immutable) Header.
type Reader struct {
	hdr *Header
	src io.ReaderAt
	l1  []L1Entry

	pos int64

	l2Cache   cache.LoadingCache
	compCache cache.LoadingCache
}

// NewReader constructs a Reader over hdr's virtual disk, reading cluster
// data from src. l1 is the active L1 table (typically Image.L1Table).
func NewReader(hdr *Header, src io.ReaderAt, l1 []L1Entry) *Reader {
	r := &Reader{
		hdr: hdr,
		src: src,
		l1:  l1,
	}

	r.l2Cache = cache.NewLoadingCache(r.loadL2Table, cache.WithMaximumSize(l2CacheSize))
	r.compCache = cache.NewLoadingCache(r.loadCompressedCluster, cache.WithMaximumSize(compressedCacheSize))

	return r
}

// Size returns the virtual disk size in bytes.
func (r *Reader) Size() int64 {
	return int64(r.hdr.Size)
}

// Seek repositions the read cursor. Seeking past the virtual disk size is
// allowed; subsequent reads return zero bytes.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = r.pos
	case io.SeekEnd:
		base = int64(r.hdr.Size)
	default:
		return 0, fmt.Errorf("qcow2: invalid whence %d", whence)
	}

	newPos := base + offset
	if newPos < 0 {
		return 0, fmt.Errorf("qcow2: negative position")
	}

	r.pos = newPos
	return r.pos, nil
}

// Read fills p with bytes starting at the current cursor, advancing the
// cursor by the number of bytes read. It returns fewer bytes than len(p)
// only at the end of the virtual disk, per io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.ReadAt(p, r.pos)
	r.pos += int64(n)
	return n, err
}

// ReadAt reads len(p) bytes starting at guest offset off, without
// disturbing the sequential cursor. It returns fewer bytes than len(p)
// only at the end of the virtual disk (io.EOF), matching io.ReaderAt.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	size := int64(r.hdr.Size)
	if off >= size {
		return 0, io.EOF
	}

	total := len(p)
	if off+int64(total) > size {
		p = p[:size-off]
	}

	clusterSize := r.hdr.clusterSize()
	l2Entries := int64(r.hdr.l2EntriesPerTable())

	written := 0
	for written < len(p) {
		g := off + int64(written)

		l1Index := g / (clusterSize * l2Entries)
		l2Index := (g / clusterSize) % l2Entries
		intra := g % clusterSize

		chunk := p[written:]
		if max := clusterSize - intra; int64(len(chunk)) > max {
			chunk = chunk[:max]
		}

		n, err := r.readCluster(l1Index, l2Index, intra, chunk)
		if err != nil {
			return written, err
		}
		written += n
	}

	if len(p) < total {
		return written, io.EOF
	}
	return written, nil
}

// readCluster fills dst (which never spans more than one cluster) with
// the bytes at (l1Index, l2Index, intra).
func (r *Reader) readCluster(l1Index, l2Index, intra int64, dst []byte) (int, error) {
	if l1Index >= int64(len(r.l1)) || r.l1[l1Index].L2Offset() == 0 {
		return zeroFill(dst), nil
	}

	table, err := r.l2Table(l1Index)
	if err != nil {
		return 0, err
	}

	if l2Index >= int64(len(table)) {
		return 0, parseErrorf("L2 lookup", fmt.Errorf("%w: index %d, table has %d entries", ErrOutOfRangeL2Index, l2Index, len(table)))
	}
	entry := table[l2Index]

	switch {
	case entry.Zero(), entry.Unallocated():
		return zeroFill(dst), nil

	case r.hdr.IncompatibleFeatures.ExternalDataFile():
		return 0, parseErrorf("read cluster", fmt.Errorf("external data file images are not supported"))

	case entry.Compressed():
		if r.hdr.CryptMethod != NoEncryption {
			return 0, parseErrorf("read compressed cluster", ErrEncryptionUnsupported)
		}
		cluster, err := r.compressedCluster(entry)
		if err != nil {
			return 0, err
		}
		return copy(dst, cluster[intra:]), nil

	default:
		if r.hdr.CryptMethod != NoEncryption {
			return 0, parseErrorf("read cluster", ErrEncryptionUnsupported)
		}
		n, err := r.src.ReadAt(dst, entry.HostOffset()+intra)
		if err != nil && err != io.EOF {
			return 0, parseErrorf("read cluster", fmt.Errorf("%w: %v", ErrTruncatedPayload, err))
		}
		if n < len(dst) {
			return 0, parseErrorf("read cluster", ErrTruncatedPayload)
		}
		return n, nil
	}
}

func zeroFill(dst []byte) int {
	for i := range dst {
		dst[i] = 0
	}
	return len(dst)
}

func (r *Reader) l2Table(l1Index int64) ([]L2Entry, error) {
	v, err := r.l2Cache.Get(l1Index)
	if err != nil {
		return nil, err
	}
	return v.([]L2Entry), nil
}

func (r *Reader) loadL2Table(k cache.Key) (cache.Value, error) {
	l1Index := k.(int64)
	table, err := readL2Table(r.src, r.hdr, r.l1[l1Index])
	if err != nil {
		return nil, err
	}
	return table, nil
}

// compressedClusterKey identifies a cached decompressed cluster by the
// compressed payload's (offset, length) pair. The cache is keyed by this
// pair rather than by offset alone so the loader has everything it needs
// without a second lookup.
type compressedClusterKey struct {
	offset int64
	length int64
}

func (r *Reader) compressedCluster(entry L2Entry) ([]byte, error) {
	key := compressedClusterKey{
		offset: entry.CompressedOffset(r.hdr.ClusterBits),
		length: entry.CompressedLength(r.hdr.ClusterBits),
	}
	v, err := r.compCache.Get(key)
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (r *Reader) loadCompressedCluster(k cache.Key) (cache.Value, error) {
	key := k.(compressedClusterKey)
	return r.decompressCluster(key.offset, key.length)
}

func (r *Reader) decompressCluster(hostOffset, length int64) ([]byte, error) {
	compressed := make([]byte, length)
	n, err := r.src.ReadAt(compressed, hostOffset)
	if err != nil && err != io.EOF {
		return nil, parseErrorf("read compressed payload", fmt.Errorf("%w: %v", ErrTruncatedPayload, err))
	}
	compressed = compressed[:n]

	clusterSize := r.hdr.clusterSize()
	out := make([]byte, clusterSize)

	switch r.hdr.CompressionType {
	case CompressionTypeZstd:
		dec, err := zstd.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, parseErrorf("decompress cluster", fmt.Errorf("%w: %v", ErrDecompressionFailed, err))
		}
		defer dec.Close()
		if _, err := io.ReadFull(dec, out); err != nil {
			return nil, parseErrorf("decompress cluster", fmt.Errorf("%w: %v", ErrDecompressionFailed, err))
		}
	default:
		fr := flate.NewReader(bytes.NewReader(compressed))
		defer fr.Close()
		if _, err := io.ReadFull(fr, out); err != nil {
			return nil, parseErrorf("decompress cluster", fmt.Errorf("%w: %v", ErrDecompressionFailed, err))
		}
	}

	return out, nil
}
