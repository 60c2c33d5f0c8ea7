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

import "testing"

func TestL1EntryAccessors(t *testing.T) {
	e := L1Entry(l1CopiedBit | 0x10000)
	if !e.Copied() {
		t.Fatal("expected COPIED bit to be set")
	}
	if e.L2Offset() != 0x10000 {
		t.Fatalf("got L2Offset %#x, want %#x", e.L2Offset(), 0x10000)
	}

	var zero L1Entry
	if zero.L2Offset() != 0 {
		t.Fatal("zero L1 entry should have no L2 offset")
	}
}

func TestL2EntryDispatch(t *testing.T) {
	cases := []struct {
		name        string
		entry       L2Entry
		unallocated bool
		zero        bool
		compressed  bool
	}{
		{"unallocated", L2Entry(0), true, false, false},
		{"zero", L2Entry(l2ZeroBit), false, true, false},
		{"standard", L2Entry(0x20000), false, false, false},
		{"compressed", L2Entry(l2CompressedBit | 0x1234), false, false, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if c.entry.Unallocated() != c.unallocated {
				t.Errorf("Unallocated() = %v, want %v", c.entry.Unallocated(), c.unallocated)
			}
			if c.entry.Zero() != c.zero {
				t.Errorf("Zero() = %v, want %v", c.entry.Zero(), c.zero)
			}
			if c.entry.Compressed() != c.compressed {
				t.Errorf("Compressed() = %v, want %v", c.entry.Compressed(), c.compressed)
			}
		})
	}
}

func TestCompressedLengthFormula(t *testing.T) {
	// cluster_bits=16 (64KiB): x = 62-(16-8) = 54, giving 8 sector-count
	// bits and up to 255 extra sectors.
	clusterBits := uint32(16)
	x := compressedHostClusterBits(clusterBits)
	if x != 54 {
		t.Fatalf("got x=%d, want 54", x)
	}

	entry := L2Entry(l2CompressedBit | uint64(3)<<x | 0xABCD)
	if got, want := entry.CompressedOffset(clusterBits), int64(0xABCD); got != want {
		t.Fatalf("CompressedOffset() = %#x, want %#x", got, want)
	}
	if got, want := entry.CompressedLength(clusterBits), int64(4*512); got != want {
		t.Fatalf("CompressedLength() = %d, want %d", got, want)
	}
}
