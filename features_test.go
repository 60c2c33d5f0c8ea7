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

func TestIncompatibleFeatureBits(t *testing.T) {
	cases := []struct {
		name string
		bit  IncompatibleFeatures
		want func(IncompatibleFeatures) bool
	}{
		{"dirty", IncompatibleDirty, IncompatibleFeatures.Dirty},
		{"corrupt", IncompatibleCorrupt, IncompatibleFeatures.Corrupt},
		{"external_data_file", IncompatibleExternalDataFile, IncompatibleFeatures.ExternalDataFile},
		{"has_compression_type", IncompatibleHasCompressionType, IncompatibleFeatures.HasCompressionType},
		{"extended_l2", IncompatibleExtendedL2, IncompatibleFeatures.ExtendedL2},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if !c.want(c.bit) {
				t.Errorf("expected bit accessor to report true for %s", c.name)
			}
			if c.want(0) {
				t.Errorf("expected bit accessor to report false on an empty field for %s", c.name)
			}
			if c.bit.UnknownBits() != 0 {
				t.Errorf("%s should be a known bit, got unknown mask %#x", c.name, c.bit.UnknownBits())
			}
		})
	}
}

func TestIncompatibleFeaturesUnknownBit(t *testing.T) {
	f := IncompatibleFeatures(1 << 63)
	if f.UnknownBits() == 0 {
		t.Fatal("expected bit 63 to be reported unknown")
	}
}

func TestFeatureFieldRoundTrip(t *testing.T) {
	want := uint64(0x0102030405060708)
	raw := encodeFeatureField(want)
	got := decodeFeatureField(raw)
	if got != want {
		t.Fatalf("round trip mismatch: got %#x, want %#x", got, want)
	}
}

func TestCompatibleAndAutoclearFeatureBits(t *testing.T) {
	c := CompatibleFeatures(CompatibleLazyRefcounts)
	if !c.LazyRefcounts() {
		t.Fatal("expected lazy_refcounts to be set")
	}

	a := AutoclearFeatures(AutoclearBitmapExtension | AutoclearRawExternalData)
	if !a.BitmapExtension() || !a.RawExternalData() {
		t.Fatal("expected both autoclear bits to be set")
	}
}
