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
	"fmt"
	"io"
)

const (
	// Magic is the QCOW magic bytes: 'Q', 'F', 'I', 0xfb.
	Magic = 0x514649FB

	header3MinSize = 104
)

// EncryptionMethod is the disk encryption method.
type EncryptionMethod uint32

const (
	NoEncryption   EncryptionMethod = 0
	AesEncryption  EncryptionMethod = 1
	LuksEncryption EncryptionMethod = 2
)

// CompressionType is the compression method used for compressed clusters.
type CompressionType uint8

const (
	CompressionTypeZlib CompressionType = 0
	CompressionTypeZstd CompressionType = 1
)

// Version is the QCOW version number.
type Version uint32

const (
	Version1 Version = 1
	Version2 Version = 2
	Version3 Version = 3
)

// Header is the parsed QCOW2 (v2/v3) header, the v3 extension area, and
// the derived fields (such as the resolved backing file name) a reader
// needs. Immutable after parse.
type Header struct {
	Version Version

	BackingFileOffset uint64
	BackingFileSize   uint32
	BackingFileName   string // resolved from BackingFileOffset, empty if none

	ClusterBits uint32
	Size        uint64
	CryptMethod EncryptionMethod

	L1Size        uint32
	L1TableOffset uint64

	RefcountTableOffset   uint64
	RefcountTableClusters uint32

	NbSnapshots     uint32
	SnapshotsOffset uint64

	// Version 3 only. Zero values on a v2 image.
	IncompatibleFeatures IncompatibleFeatures
	CompatibleFeatures   CompatibleFeatures
	AutoclearFeatures    AutoclearFeatures
	RefcountOrder        uint32
	HeaderLength         uint32
	CompressionType      CompressionType

	// Extensions is the header extension area. It is parsed for v3 images
	// only; on a v2 image it is nil and the extension area is not read.
	Extensions []HeaderExtension
}

func (h *Header) clusterSize() int64 {
	return int64(1) << h.ClusterBits
}

func (h *Header) l2EntriesPerTable() int {
	return int(h.clusterSize() / 8)
}

// BackingFileFormat returns the image format of the backing file, as
// recorded in a BackingFileFormatName extension, if present.
func (h *Header) BackingFileFormat() (string, bool) {
	return backingFileFormat(h.Extensions)
}

// ExternalDataFileName returns the name of the external data file
// recorded in an ExternalDataFileName extension, if present. This core
// does not read cluster data from an external file (spec: external-data-
// file images are out of scope); the name is surfaced for callers that
// want to recognize the condition.
func (h *Header) ExternalDataFileName() (string, bool) {
	return externalDataFileName(h.Extensions)
}

// EncryptionHeader returns the parsed FullDiskEncryptionHeader extension,
// if present. This core never reads the LUKS header it points to
// (spec: full-disk encryption is out of scope); a non-None CryptMethod
// combined with a present EncryptionHeader is recognized at parse time
// and fails cleanly at read time instead (see Reader).
func (h *Header) EncryptionHeader() (*EncryptionHeaderPointer, bool) {
	return fullDiskEncryptionPointer(h.Extensions)
}

// FeatureNames decodes every FeatureNameTable extension into its
// constituent (field, bit, name) rows.
func (h *Header) FeatureNames() ([]FeatureNameEntry, error) {
	return featureNameEntries(h.Extensions)
}

// parseHeader parses a v2 or v3 QCOW2 header. version is the 4-byte
// version field the caller has already consumed (immediately after the
// magic); r must be positioned at the field that follows it,
// backing_file_offset, matching parseHeaderV1's entry-position contract.
func parseHeader(r io.ReadSeeker, version Version) (*Header, error) {
	br := newBinReader(r)

	if version != Version2 && version != Version3 {
		return nil, parseErrorf("version", fmt.Errorf("%w: %d", ErrUnsupportedVersion, version))
	}

	backingFileOffset, err := br.readU64()
	if err != nil {
		return nil, parseErrorf("read backing file offset", err)
	}
	backingFileSize, err := br.readU32()
	if err != nil {
		return nil, parseErrorf("read backing file size", err)
	}

	clusterBits, err := br.readU32()
	if err != nil {
		return nil, parseErrorf("read cluster bits", err)
	}
	if clusterBits < 9 {
		return nil, parseErrorf("cluster bits", fmt.Errorf("cluster_bits %d is below the minimum of 9", clusterBits))
	}

	size, err := br.readU64()
	if err != nil {
		return nil, parseErrorf("read size", err)
	}

	cryptMethodRaw, err := br.readU32()
	if err != nil {
		return nil, parseErrorf("read crypt method", err)
	}

	l1Size, err := br.readU32()
	if err != nil {
		return nil, parseErrorf("read L1 size", err)
	}
	l1TableOffset, err := br.readU64()
	if err != nil {
		return nil, parseErrorf("read L1 table offset", err)
	}

	refcountTableOffset, err := br.readU64()
	if err != nil {
		return nil, parseErrorf("read refcount table offset", err)
	}
	refcountTableClusters, err := br.readU32()
	if err != nil {
		return nil, parseErrorf("read refcount table clusters", err)
	}

	nbSnapshots, err := br.readU32()
	if err != nil {
		return nil, parseErrorf("read snapshot count", err)
	}
	snapshotsOffset, err := br.readU64()
	if err != nil {
		return nil, parseErrorf("read snapshots offset", err)
	}

	hdr := &Header{
		Version:               version,
		BackingFileOffset:     backingFileOffset,
		BackingFileSize:       backingFileSize,
		ClusterBits:           clusterBits,
		Size:                  size,
		CryptMethod:           EncryptionMethod(cryptMethodRaw),
		L1Size:                l1Size,
		L1TableOffset:         l1TableOffset,
		RefcountTableOffset:   refcountTableOffset,
		RefcountTableClusters: refcountTableClusters,
		NbSnapshots:           nbSnapshots,
		SnapshotsOffset:       snapshotsOffset,
		CompressionType:       CompressionTypeZlib,
	}

	if version == Version3 {
		if err := parseVersion3Header(br, hdr); err != nil {
			return nil, err
		}
	}

	if hdr.ClusterBits < 14 && hdr.IncompatibleFeatures.ExtendedL2() {
		return nil, parseErrorf("cluster bits", fmt.Errorf("extended L2 requires cluster_bits >= 14, got %d", hdr.ClusterBits))
	}
	if hdr.IncompatibleFeatures.ExtendedL2() {
		return nil, parseErrorf("incompatible features", ErrExtendedL2Unsupported)
	}

	if backingFileOffset != 0 {
		nameLen := int(backingFileSize)
		if nameLen > 1023 {
			nameLen = 1023
		}
		name, err := readStringAtOffset(r, int64(backingFileOffset), nameLen)
		if err != nil {
			return nil, parseErrorf("read backing file name", err)
		}
		hdr.BackingFileName = name
	}

	return hdr, nil
}

// parseVersion3Header reads the fields that extend a v2 header into a v3
// one (incompatible/compatible/autoclear features, refcount order, header
// length, and the conditional compression type byte), advances the stream
// to the end of the header (8-byte aligned), and then parses the header
// extension area that starts there into hdr.Extensions.
func parseVersion3Header(br *binReader, hdr *Header) error {
	var incompatibleRaw, compatibleRaw, autoclearRaw [8]byte
	for _, b := range [][]byte{incompatibleRaw[:], compatibleRaw[:], autoclearRaw[:]} {
		v, err := br.readExact(8)
		if err != nil {
			return parseErrorf("read feature field", err)
		}
		copy(b, v)
	}

	incompatible := IncompatibleFeatures(decodeFeatureField(incompatibleRaw))
	if unknown := incompatible.UnknownBits(); unknown != 0 {
		return parseErrorf("incompatible features", fmt.Errorf("%w: %#x", ErrUnknownIncompatibleFeature, unknown))
	}
	hdr.IncompatibleFeatures = incompatible
	hdr.CompatibleFeatures = CompatibleFeatures(decodeFeatureField(compatibleRaw))
	hdr.AutoclearFeatures = AutoclearFeatures(decodeFeatureField(autoclearRaw))

	refcountOrder, err := br.readU32()
	if err != nil {
		return parseErrorf("read refcount order", err)
	}
	hdr.RefcountOrder = refcountOrder

	headerLength, err := br.readU32()
	if err != nil {
		return parseErrorf("read header length", err)
	}
	hdr.HeaderLength = headerLength

	bytesReadSoFar := int64(header3MinSize)

	if headerLength > header3MinSize && hdr.IncompatibleFeatures.HasCompressionType() {
		compressionType, err := br.readU8()
		if err != nil {
			return parseErrorf("read compression type", err)
		}
		if compressionType != uint8(CompressionTypeZlib) && compressionType != uint8(CompressionTypeZstd) {
			return parseErrorf("compression type", fmt.Errorf("%w: %d", ErrUnsupportedCompression, compressionType))
		}
		hdr.CompressionType = CompressionType(compressionType)
		bytesReadSoFar++
	}

	// Skip any remaining reserved bytes up to headerLength, then pad to
	// an 8-byte boundary, landing exactly at the start of the extension
	// area.
	target := alignUp8(int64(headerLength))
	if target < alignUp8(bytesReadSoFar) {
		target = alignUp8(bytesReadSoFar)
	}
	if skip := target - bytesReadSoFar; skip > 0 {
		if err := br.skip(skip); err != nil {
			return parseErrorf("align header", err)
		}
	}

	extensions, err := parseHeaderExtensions(br.r)
	if err != nil {
		return err
	}
	hdr.Extensions = extensions

	return nil
}

// HeaderV1 is the legacy QCOW version 1 header. Parsed for completeness;
// the read path in this core (Reader) targets v2/v3 images only.
type HeaderV1 struct {
	BackingFileOffset uint64
	BackingFileSize   uint32
	BackingFileName   string
	MTime             uint32
	Size              uint64
	ClusterBits       uint8
	L2Bits            uint8
	CryptMethod       EncryptionMethod
	L1TableOffset     uint64
}

func (h *HeaderV1) clusterSize() int64 {
	return int64(1) << h.ClusterBits
}

// parseHeaderV1 parses a v1 header. r must be positioned immediately
// after the magic+version fields (the caller has already confirmed
// version == 1).
func parseHeaderV1(r io.ReadSeeker) (*HeaderV1, error) {
	br := newBinReader(r)

	backingFileOffset, err := br.readU64()
	if err != nil {
		return nil, parseErrorf("read backing file offset", err)
	}
	backingFileSize, err := br.readU32()
	if err != nil {
		return nil, parseErrorf("read backing file size", err)
	}
	mtime, err := br.readU32()
	if err != nil {
		return nil, parseErrorf("read mtime", err)
	}
	size, err := br.readU64()
	if err != nil {
		return nil, parseErrorf("read size", err)
	}
	clusterBits, err := br.readU8()
	if err != nil {
		return nil, parseErrorf("read cluster bits", err)
	}
	l2Bits, err := br.readU8()
	if err != nil {
		return nil, parseErrorf("read L2 bits", err)
	}
	if _, err := br.readExact(2); err != nil { // reserved padding
		return nil, parseErrorf("read padding", err)
	}
	cryptMethodRaw, err := br.readU32()
	if err != nil {
		return nil, parseErrorf("read crypt method", err)
	}
	l1TableOffset, err := br.readU64()
	if err != nil {
		return nil, parseErrorf("read L1 table offset", err)
	}

	hdr := &HeaderV1{
		BackingFileOffset: backingFileOffset,
		BackingFileSize:   backingFileSize,
		MTime:             mtime,
		Size:              size,
		ClusterBits:       clusterBits,
		L2Bits:            l2Bits,
		CryptMethod:       EncryptionMethod(cryptMethodRaw),
		L1TableOffset:     l1TableOffset,
	}

	if backingFileOffset != 0 {
		nameLen := int(backingFileSize)
		if nameLen > 1023 {
			nameLen = 1023
		}
		name, err := readStringAtOffset(r, int64(backingFileOffset), nameLen)
		if err != nil {
			return nil, parseErrorf("read backing file name", err)
		}
		hdr.BackingFileName = name
	}

	return hdr, nil
}
