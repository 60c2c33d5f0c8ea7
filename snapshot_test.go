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
	"testing"
)

// buildSnapshotRecord renders a single snapshot record (fixed header + id +
// name, no extra data), padded to an 8-byte boundary, the way an on-disk
// snapshot table would.
func buildSnapshotRecord(l1Offset uint64, l1Size uint32, id, name string, dateSec, dateNsec uint32, vmClock uint64, vmStateSize uint32) []byte {
	fixed := make([]byte, snapshotRecordHeaderSize)
	binary.BigEndian.PutUint64(fixed[0:8], l1Offset)
	binary.BigEndian.PutUint32(fixed[8:12], l1Size)
	binary.BigEndian.PutUint16(fixed[12:14], uint16(len(id)))
	binary.BigEndian.PutUint16(fixed[14:16], uint16(len(name)))
	binary.BigEndian.PutUint32(fixed[16:20], dateSec)
	binary.BigEndian.PutUint32(fixed[20:24], dateNsec)
	binary.BigEndian.PutUint64(fixed[24:32], vmClock)
	binary.BigEndian.PutUint32(fixed[32:36], vmStateSize)
	binary.BigEndian.PutUint32(fixed[36:40], 0) // extra data size

	buf := append(fixed, []byte(id)...)
	buf = append(buf, []byte(name)...)

	if pad := alignUp8(int64(len(buf))) - int64(len(buf)); pad > 0 {
		buf = append(buf, make([]byte, pad)...)
	}
	return buf
}

func TestParseSnapshotRoundTrips(t *testing.T) {
	record := buildSnapshotRecord(0x40000, 1, "snap-0", "before-upgrade", 1700000000, 500, 12345, 4096)

	snap, err := parseSnapshot(bytes.NewReader(record))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.ID != "snap-0" {
		t.Fatalf("got ID=%q, want %q", snap.ID, "snap-0")
	}
	if snap.Name != "before-upgrade" {
		t.Fatalf("got Name=%q, want %q", snap.Name, "before-upgrade")
	}
	if snap.L1TableOffset != 0x40000 {
		t.Fatalf("got L1TableOffset=%#x, want 0x40000", snap.L1TableOffset)
	}
	if snap.L1Size != 1 {
		t.Fatalf("got L1Size=%d, want 1", snap.L1Size)
	}
	if snap.VMStateSize != 4096 {
		t.Fatalf("got VMStateSize=%d, want 4096", snap.VMStateSize)
	}
	if snap.VMClock != 12345 {
		t.Fatalf("got VMClock=%d, want 12345", snap.VMClock)
	}
	if snap.Timestamp.Unix() != 1700000000 {
		t.Fatalf("got Timestamp.Unix()=%d, want 1700000000", snap.Timestamp.Unix())
	}
}

func TestParseSnapshotsReadsCountInOrder(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(buildSnapshotRecord(0x10000, 1, "a", "first", 1, 0, 0, 0))
	buf.Write(buildSnapshotRecord(0x20000, 1, "bb", "second", 2, 0, 0, 0))
	buf.Write(buildSnapshotRecord(0x30000, 1, "ccc", "third", 3, 0, 0, 0))

	snaps, err := parseSnapshots(bytes.NewReader(buf.Bytes()), 0, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("got %d snapshots, want 3", len(snaps))
	}
	for i, want := range []string{"first", "second", "third"} {
		if snaps[i].Name != want {
			t.Fatalf("snapshot %d: got Name=%q, want %q", i, snaps[i].Name, want)
		}
	}
}

func TestParseSnapshotsZeroCountReturnsNil(t *testing.T) {
	snaps, err := parseSnapshots(bytes.NewReader(nil), 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snaps != nil {
		t.Fatalf("got %v, want nil", snaps)
	}
}

func TestParseSnapshotHonorsWideVMStateSizeInExtraData(t *testing.T) {
	fixed := make([]byte, snapshotRecordHeaderSize)
	binary.BigEndian.PutUint32(fixed[8:12], 1)
	binary.BigEndian.PutUint32(fixed[32:36], 10) // legacy 32-bit vm state size
	binary.BigEndian.PutUint32(fixed[36:40], 8)  // extra data size

	extra := make([]byte, 8)
	binary.BigEndian.PutUint64(extra, 1<<40) // wide vm state size

	buf := append(fixed, extra...)

	snap, err := parseSnapshot(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.VMStateSize != 1<<40 {
		t.Fatalf("got VMStateSize=%d, want %d", snap.VMStateSize, uint64(1)<<40)
	}
}
