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
	"fmt"
	"io"
	"strings"
)

// binReader wraps an io.ReadSeeker with the big-endian primitive reads the
// QCOW2 wire format is built out of.
type binReader struct {
	r io.ReadSeeker
}

func newBinReader(r io.ReadSeeker) *binReader {
	return &binReader{r: r}
}

func (br *binReader) readU8() (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(br.r, b[:]); err != nil {
		return 0, fmt.Errorf("failed to read u8: %w", err)
	}
	return b[0], nil
}

func (br *binReader) readU16() (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(br.r, b[:]); err != nil {
		return 0, fmt.Errorf("failed to read u16: %w", err)
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func (br *binReader) readU32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(br.r, b[:]); err != nil {
		return 0, fmt.Errorf("failed to read u32: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (br *binReader) readU64() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(br.r, b[:]); err != nil {
		return 0, fmt.Errorf("failed to read u64: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// readExact reads exactly n bytes, returning them as a freshly owned slice.
func (br *binReader) readExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(br.r, buf); err != nil {
		return nil, fmt.Errorf("failed to read %d bytes: %w", n, err)
	}
	return buf, nil
}

// skip advances the stream by n bytes without retaining them.
func (br *binReader) skip(n int64) error {
	if n == 0 {
		return nil
	}
	if _, err := br.r.Seek(n, io.SeekCurrent); err != nil {
		return fmt.Errorf("failed to skip %d bytes: %w", n, err)
	}
	return nil
}

// readStringAtOffset seeks to offset, reads length bytes, strips trailing
// NULs, decodes as UTF-8 (lossily replacing invalid sequences), and
// restores the original stream position.
func readStringAtOffset(r io.ReadSeeker, offset int64, length int) (string, error) {
	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", fmt.Errorf("failed to save stream position: %w", err)
	}
	defer func() {
		_, _ = r.Seek(pos, io.SeekStart)
	}()

	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to seek to string at %#x: %w", offset, err)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("failed to read string at %#x: %w", offset, err)
	}

	return decodeLossyNulTerminated(buf), nil
}

// readStringAt is the io.ReaderAt sibling of readStringAtOffset: it performs
// a positional read and never disturbs a shared cursor, for code that holds
// only a ReaderAt, not a ReadSeeker. Nothing in this package calls it.
func readStringAt(r io.ReaderAt, offset int64, length int) (string, error) {
	buf := make([]byte, length)
	if _, err := r.ReadAt(buf, offset); err != nil {
		return "", fmt.Errorf("failed to read string at %#x: %w", offset, err)
	}
	return decodeLossyNulTerminated(buf), nil
}

func decodeLossyNulTerminated(buf []byte) string {
	buf = bytes.TrimRight(buf, "\x00")
	return strings.ToValidUTF8(string(buf), "�")
}

// alignUp8 rounds n up to the next multiple of 8.
func alignUp8(n int64) int64 {
	if rem := n % 8; rem != 0 {
		return n + (8 - rem)
	}
	return n
}
