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

import "encoding/binary"

// The three feature fields are 8 bytes on disk, and the bit identities the
// format assigns (dirty=bit 0, corrupt=bit 1, ...) are defined LSB-first
// within the field. Decoding them means byte-reversing the buffer and then
// reading it LSB-first as a 64-bit word; reversing a byte string and then
// reading it little-endian is the same value as reading the original
// string big-endian, so this is equivalent to (and implemented as) a
// plain big-endian decode — named here as its own step because that's how
// the format documents it, and because it keeps the bit-accessor code
// below reading as "bit N of the field" rather than requiring the reader
// to rederive the identity themselves.
func decodeFeatureField(raw [8]byte) uint64 {
	return binary.BigEndian.Uint64(raw[:])
}

func encodeFeatureField(v uint64) [8]byte {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], v)
	return raw
}

// IncompatibleFeatures is a bitmask of features that make an image
// unreadable to an implementation that doesn't understand them.
type IncompatibleFeatures uint64

const (
	IncompatibleDirty              IncompatibleFeatures = 1 << 0
	IncompatibleCorrupt            IncompatibleFeatures = 1 << 1
	IncompatibleExternalDataFile   IncompatibleFeatures = 1 << 2
	IncompatibleHasCompressionType IncompatibleFeatures = 1 << 3
	IncompatibleExtendedL2         IncompatibleFeatures = 1 << 4

	knownIncompatibleBits = IncompatibleDirty | IncompatibleCorrupt |
		IncompatibleExternalDataFile | IncompatibleHasCompressionType | IncompatibleExtendedL2
)

func (f IncompatibleFeatures) Dirty() bool            { return f&IncompatibleDirty != 0 }
func (f IncompatibleFeatures) Corrupt() bool          { return f&IncompatibleCorrupt != 0 }
func (f IncompatibleFeatures) ExternalDataFile() bool { return f&IncompatibleExternalDataFile != 0 }
func (f IncompatibleFeatures) HasCompressionType() bool {
	return f&IncompatibleHasCompressionType != 0
}
func (f IncompatibleFeatures) ExtendedL2() bool { return f&IncompatibleExtendedL2 != 0 }

// UnknownBits returns any set bits this parser doesn't recognize. A
// non-zero result must be treated as a fatal parse error (spec: unknown
// incompatible bits are fatal).
func (f IncompatibleFeatures) UnknownBits() uint64 {
	return uint64(f) &^ uint64(knownIncompatibleBits)
}

// CompatibleFeatures is a bitmask of features that are safe to ignore if
// unrecognized.
type CompatibleFeatures uint64

const (
	CompatibleLazyRefcounts CompatibleFeatures = 1 << 0

	knownCompatibleBits = CompatibleLazyRefcounts
)

func (f CompatibleFeatures) LazyRefcounts() bool { return f&CompatibleLazyRefcounts != 0 }
func (f CompatibleFeatures) UnknownBits() uint64 {
	return uint64(f) &^ uint64(knownCompatibleBits)
}

// AutoclearFeatures is a bitmask of features that an implementation not
// understanding them should clear on write. Irrelevant to a read-only
// core beyond being parsed and preserved.
type AutoclearFeatures uint64

const (
	AutoclearBitmapExtension AutoclearFeatures = 1 << 0
	AutoclearRawExternalData AutoclearFeatures = 1 << 1

	knownAutoclearBits = AutoclearBitmapExtension | AutoclearRawExternalData
)

func (f AutoclearFeatures) BitmapExtension() bool { return f&AutoclearBitmapExtension != 0 }
func (f AutoclearFeatures) RawExternalData() bool { return f&AutoclearRawExternalData != 0 }
func (f AutoclearFeatures) UnknownBits() uint64 {
	return uint64(f) &^ uint64(knownAutoclearBits)
}
