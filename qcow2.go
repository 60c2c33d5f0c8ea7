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
	"encoding/binary"
	"io"
	"os"
)

// Image is a parsed QCOW image, either a legacy v1 header or a v2/v3
// header with its L1 table and a Reader over the active disk contents.
// Exactly one of V1 or V2 is non-nil.
type Image struct {
	V1 *HeaderV1
	V2 *Header

	// L1Table is the active L1 table for a V2 image. nil for V1.
	L1Table []L1Entry

	// Snapshots is the image's snapshot table. Always empty for V1, and
	// never consulted by Reader (spec: snapshot L1 redirection during
	// reads is out of scope).
	Snapshots []Snapshot

	reader *Reader
}

// Version returns the image's on-disk format version.
func (img *Image) Version() Version {
	if img.V1 != nil {
		return Version1
	}
	return img.V2.Version
}

// ClusterSize returns the image's cluster size in bytes.
func (img *Image) ClusterSize() int64 {
	if img.V1 != nil {
		return img.V1.clusterSize()
	}
	return img.V2.clusterSize()
}

// BackingFile returns the resolved backing file name, and whether one is
// present.
func (img *Image) BackingFile() (string, bool) {
	if img.V1 != nil {
		return img.V1.BackingFileName, img.V1.BackingFileOffset != 0
	}
	return img.V2.BackingFileName, img.V2.BackingFileOffset != 0
}

// Reader returns a random-access reader over the image's virtual disk.
// Returns an error for a V1 image, since this core's cluster model only
// understands the v2/v3 table layout.
func (img *Image) Reader() (*Reader, error) {
	if img.reader == nil {
		return nil, parseErrorf("open reader", ErrUnsupportedVersion)
	}
	return img.reader, nil
}

// Open opens the file at path and parses it as a QCOW image, keeping the
// file open for subsequent reads through the returned Image's Reader.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &FileNotFoundError{Path: path, Err: err}
	}

	img, err := Load(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return img, nil
}

// Load parses a QCOW image from r, which must also implement io.ReaderAt
// for random-access cluster reads (as *os.File does). The dispatcher
// consumes the magic and version up front, then dispatches to the v1 or
// v2/v3 header parser accordingly; both parsers expect r positioned
// immediately after the version field they were handed.
func Load(r io.ReadSeeker) (*Image, error) {
	src, ok := r.(io.ReaderAt)
	if !ok {
		return nil, parseErrorf("open image", ErrUnsupportedVersion)
	}

	br := newBinReader(r)

	magic, err := br.readU32()
	if err != nil {
		return nil, parseErrorf("read magic", err)
	}
	if magic != Magic {
		return nil, parseErrorf("magic", ErrBadMagic)
	}

	versionRaw, err := br.readU32()
	if err != nil {
		return nil, parseErrorf("read version", err)
	}

	if Version(versionRaw) == Version1 {
		hdr, err := parseHeaderV1(r)
		if err != nil {
			return nil, err
		}
		return &Image{V1: hdr}, nil
	}

	hdr, err := parseHeader(r, Version(versionRaw))
	if err != nil {
		return nil, err
	}

	l1, err := readL1Table(src, hdr)
	if err != nil {
		return nil, err
	}

	var snapshots []Snapshot
	if hdr.NbSnapshots > 0 {
		snapshots, err = parseSnapshots(r, int64(hdr.SnapshotsOffset), hdr.NbSnapshots)
		if err != nil {
			return nil, err
		}
	}

	return &Image{
		V2:        hdr,
		L1Table:   l1,
		Snapshots: snapshots,
		reader:    NewReader(hdr, src, l1),
	}, nil
}

// LoadFromMemory parses a QCOW image held entirely in memory, without
// requiring a file on disk.
func LoadFromMemory(data []byte) (*Image, error) {
	return Load(bytes.NewReader(data))
}

// readL1Table reads the active L1 table (hdr.L1Size entries, starting at
// hdr.L1TableOffset) from src.
func readL1Table(src io.ReaderAt, hdr *Header) ([]L1Entry, error) {
	if hdr.L1Size == 0 {
		return nil, nil
	}

	buf := make([]byte, int(hdr.L1Size)*8)
	if _, err := src.ReadAt(buf, int64(hdr.L1TableOffset)); err != nil {
		return nil, parseErrorf("read L1 table", err)
	}

	table := make([]L1Entry, hdr.L1Size)
	for i := range table {
		table[i] = L1Entry(binary.BigEndian.Uint64(buf[i*8:]))
	}

	return table, nil
}
