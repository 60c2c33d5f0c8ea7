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
	"io"
)

// HeaderExtensionType identifies a header extension record's kind.
type HeaderExtensionType uint32

const (
	EndOfHeaderExtensionArea HeaderExtensionType = 0x00000000
	BackingFileFormatName    HeaderExtensionType = 0xe2792aca
	FeatureNameTable         HeaderExtensionType = 0x6803f857
	BitmapsExtension         HeaderExtensionType = 0x23852875
	FullDiskEncryptionHeader HeaderExtensionType = 0x0537be77
	ExternalDataFileName     HeaderExtensionType = 0x44415441
)

// HeaderExtensionMetadata is the fixed-size type/length pair that precedes
// every extension record's payload.
type HeaderExtensionMetadata struct {
	Type   HeaderExtensionType
	Length uint32
}

// HeaderExtension is a single tagged record from the header extension area.
// Unrecognized kinds are preserved verbatim in Data.
type HeaderExtension struct {
	HeaderExtensionMetadata
	Data []byte
}

// FeatureNameEntry is one row of a FeatureNameTable extension: the
// (feature field, bit number) pair and its human-readable name.
type FeatureNameEntry struct {
	Type FeatureFieldKind
	Bit  uint8
	Name string
}

// FeatureFieldKind identifies which of the three feature bitmasks a
// FeatureNameEntry describes.
type FeatureFieldKind uint8

const (
	FeatureFieldIncompatible FeatureFieldKind = 0
	FeatureFieldCompatible   FeatureFieldKind = 1
	FeatureFieldAutoclear    FeatureFieldKind = 2
)

// EncryptionHeaderPointer is the payload of a FullDiskEncryptionHeader
// extension: the location of an external LUKS header. Parsed only so its
// presence can be reported; this core never reads it (encryption is a
// read-time failure, see Reader).
type EncryptionHeaderPointer struct {
	Offset uint64
	Length uint64
}

// parseHeaderExtensions reads tagged records from r until the End
// sentinel, advancing to an 8-byte boundary after each record's data.
// Record order is preserved in the returned slice.
func parseHeaderExtensions(r io.ReadSeeker) ([]HeaderExtension, error) {
	br := newBinReader(r)

	var extensions []HeaderExtension
	for {
		kind, err := br.readU32()
		if err != nil {
			return nil, parseErrorf("read header extension type", err)
		}
		length, err := br.readU32()
		if err != nil {
			return nil, parseErrorf("read header extension length", err)
		}

		if HeaderExtensionType(kind) == EndOfHeaderExtensionArea {
			break
		}

		data, err := br.readExact(int(length))
		if err != nil {
			return nil, parseErrorf("read header extension data", err)
		}

		if padding := alignUp8(int64(length)) - int64(length); padding > 0 {
			if err := br.skip(padding); err != nil {
				return nil, parseErrorf("align header extension", err)
			}
		}

		extensions = append(extensions, HeaderExtension{
			HeaderExtensionMetadata: HeaderExtensionMetadata{
				Type:   HeaderExtensionType(kind),
				Length: length,
			},
			Data: data,
		})
	}

	return extensions, nil
}

// backingFileFormat returns the BackingFileFormatName extension's value,
// if present.
func backingFileFormat(extensions []HeaderExtension) (string, bool) {
	for _, ext := range extensions {
		if ext.Type == BackingFileFormatName {
			return string(ext.Data), true
		}
	}
	return "", false
}

// externalDataFileName returns the ExternalDataFileName extension's
// value, if present.
func externalDataFileName(extensions []HeaderExtension) (string, bool) {
	for _, ext := range extensions {
		if ext.Type == ExternalDataFileName {
			return string(ext.Data), true
		}
	}
	return "", false
}

// fullDiskEncryptionPointer returns the parsed FullDiskEncryptionHeader
// extension, if present.
func fullDiskEncryptionPointer(extensions []HeaderExtension) (*EncryptionHeaderPointer, bool) {
	for _, ext := range extensions {
		if ext.Type == FullDiskEncryptionHeader && len(ext.Data) >= 16 {
			return &EncryptionHeaderPointer{
				Offset: binary.BigEndian.Uint64(ext.Data[0:8]),
				Length: binary.BigEndian.Uint64(ext.Data[8:16]),
			}, true
		}
	}
	return nil, false
}

// featureNameEntries decodes every FeatureNameTable extension into its
// constituent 48-byte rows (1-byte field kind, 1-byte bit number, 46-byte
// zero-padded name).
func featureNameEntries(extensions []HeaderExtension) ([]FeatureNameEntry, error) {
	const rowSize = 48

	var entries []FeatureNameEntry
	for _, ext := range extensions {
		if ext.Type != FeatureNameTable {
			continue
		}
		if len(ext.Data)%rowSize != 0 {
			return nil, parseErrorf("feature name table",
				fmt.Errorf("length %d is not a multiple of %d", len(ext.Data), rowSize))
		}

		for i := 0; i+rowSize <= len(ext.Data); i += rowSize {
			row := ext.Data[i : i+rowSize]
			name := decodeLossyNulTerminated(row[2:])
			entries = append(entries, FeatureNameEntry{
				Type: FeatureFieldKind(row[0]),
				Bit:  row[1],
				Name: name,
			})
		}
	}

	return entries, nil
}
