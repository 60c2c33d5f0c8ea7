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
	"io"
	"time"
)

// snapshotRecordHeaderSize is the fixed-size portion of a snapshot
// record, before its variable-length ID, name and (v3) extra data.
const snapshotRecordHeaderSize = 40

// Snapshot is a single entry of the snapshot table: a named, timestamped
// alternative L1 table preserving a historical disk state. This core
// parses snapshots but never redirects reads through a snapshot's L1
// table (spec: snapshot L1 redirection during reads is not implemented).
type Snapshot struct {
	// L1TableOffset and L1Size describe this snapshot's own L1 table.
	// Parsed but not read by this core's Reader.
	L1TableOffset uint64
	L1Size        uint32

	ID   string
	Name string

	// Timestamp is the host wall-clock time the snapshot was taken.
	Timestamp time.Time

	VMStateSize uint64
	VMClock     uint64

	// ExtraData holds any bytes beyond the fields this parser knows
	// about (future qcow2 revisions may extend the record).
	ExtraData []byte
}

// parseSnapshots seeks to offset and reads count snapshot records in
// order.
func parseSnapshots(r io.ReadSeeker, offset int64, count uint32) ([]Snapshot, error) {
	if count == 0 {
		return nil, nil
	}

	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return nil, parseErrorf("seek to snapshot table", err)
	}

	snapshots := make([]Snapshot, 0, count)
	for i := uint32(0); i < count; i++ {
		snap, err := parseSnapshot(r)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}

	return snapshots, nil
}

func parseSnapshot(r io.ReadSeeker) (Snapshot, error) {
	br := newBinReader(r)

	fixed, err := br.readExact(snapshotRecordHeaderSize)
	if err != nil {
		return Snapshot{}, parseErrorf("read snapshot header", err)
	}

	l1TableOffset := binary.BigEndian.Uint64(fixed[0:8])
	l1Size := binary.BigEndian.Uint32(fixed[8:12])
	idSize := binary.BigEndian.Uint16(fixed[12:14])
	nameSize := binary.BigEndian.Uint16(fixed[14:16])
	dateSec := binary.BigEndian.Uint32(fixed[16:20])
	dateNsec := binary.BigEndian.Uint32(fixed[20:24])
	vmClock := binary.BigEndian.Uint64(fixed[24:32])
	vmStateSize := binary.BigEndian.Uint32(fixed[32:36])
	extraDataSize := binary.BigEndian.Uint32(fixed[36:40])

	snap := Snapshot{
		L1TableOffset: l1TableOffset,
		L1Size:        l1Size,
		Timestamp:     time.Unix(int64(dateSec), int64(dateNsec)),
		VMClock:       vmClock,
		VMStateSize:   uint64(vmStateSize),
	}

	recordSize := int64(snapshotRecordHeaderSize) + int64(extraDataSize) + int64(idSize) + int64(nameSize)

	if extraDataSize > 0 {
		extra, err := br.readExact(int(extraDataSize))
		if err != nil {
			return Snapshot{}, parseErrorf("read snapshot extra data", err)
		}
		snap.ExtraData = extra
		// A future format revision may widen VMStateSize via the extra
		// data's first 8 bytes; honor it the way the field is documented
		// if present.
		if len(extra) >= 8 {
			if wide := binary.BigEndian.Uint64(extra[0:8]); wide != 0 {
				snap.VMStateSize = wide
			}
		}
	}

	if idSize > 0 {
		id, err := br.readExact(int(idSize))
		if err != nil {
			return Snapshot{}, parseErrorf("read snapshot id", err)
		}
		snap.ID = string(id)
	}

	if nameSize > 0 {
		name, err := br.readExact(int(nameSize))
		if err != nil {
			return Snapshot{}, parseErrorf("read snapshot name", err)
		}
		snap.Name = string(name)
	}

	if padding := alignUp8(recordSize) - recordSize; padding > 0 {
		if err := br.skip(padding); err != nil {
			return Snapshot{}, parseErrorf("align snapshot record", err)
		}
	}

	return snap, nil
}
