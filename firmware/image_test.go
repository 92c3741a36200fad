// Copyright (c) 2017, Infineon Technologies AG All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package firmware

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/infineon/tpmfactoryupd/rc"
)

func sampleImage() *Image {
	return &Image{
		SourceFamilies:  []uint8{1, 2},
		TargetFamily:    2,
		TargetVersion:   "7.85.4555.0",
		KeyFingerprints: [][]byte{bytes.Repeat([]byte{0xAB}, 20)},
		Blocks:          [][]byte{bytes.Repeat([]byte{0x01}, 512), bytes.Repeat([]byte{0x02}, 100)},
		Trailer:         []byte{0xFE, 0xED},
	}
}

func TestParseEncodeRoundTrip(t *testing.T) {
	data, err := Encode(sampleImage())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	img, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if diff := cmp.Diff(sampleImage(), img); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	data2, err := Encode(img)
	if err != nil {
		t.Fatalf("Encode after Parse: %v", err)
	}
	if !bytes.Equal(data, data2) {
		t.Error("Encode(Parse(x)) differs from x")
	}
	if img.TotalPayloadBytes() != 612 {
		t.Errorf("TotalPayloadBytes = %d, want 612", img.TotalPayloadBytes())
	}
}

func TestParseBadMagic(t *testing.T) {
	data, _ := Encode(sampleImage())
	data[0] ^= 0xFF
	if _, err := Parse(data); !errors.Is(err, rc.Err(rc.CorruptFwImage)) {
		t.Errorf("got %v, want CorruptFwImage", err)
	}
}

func TestParseUnknownContainerVersion(t *testing.T) {
	data, _ := Encode(sampleImage())
	binary.BigEndian.PutUint16(data[4:6], 9)
	if _, err := Parse(data); !errors.Is(err, rc.Err(rc.NewerToolRequired)) {
		t.Errorf("got %v, want NewerToolRequired", err)
	}
}

func TestParseNewerToolVersionGate(t *testing.T) {
	data, _ := Encode(sampleImage())
	// The encoded min tool version equals ToolVersion; raise its major
	// digit far past anything this tool will ever be.
	idx := bytes.Index(data, []byte(ToolVersion))
	if idx < 0 {
		t.Fatal("tool version not found in encoded image")
	}
	data[idx] = '9'
	if _, err := Parse(data); !errors.Is(err, rc.Err(rc.NewerToolRequired)) {
		t.Errorf("got %v, want NewerToolRequired", err)
	}
}

func TestParseTruncatedFile(t *testing.T) {
	data, _ := Encode(sampleImage())
	for _, cut := range []int{len(data) - 1, len(data) / 2, 7} {
		if _, err := Parse(data[:cut]); !errors.Is(err, rc.Err(rc.CorruptFwImage)) {
			t.Errorf("Parse of %d/%d bytes: got %v, want CorruptFwImage", cut, len(data), err)
		}
	}
}

func TestParseTrailingGarbage(t *testing.T) {
	data, _ := Encode(sampleImage())
	data = append(data, 0x00)
	if _, err := Parse(data); !errors.Is(err, rc.Err(rc.CorruptFwImage)) {
		t.Errorf("got %v, want CorruptFwImage", err)
	}
}

func TestParseOversizedBlock(t *testing.T) {
	img := sampleImage()
	img.Blocks = [][]byte{make([]byte, MaxBlockSize+1)}
	if _, err := Encode(img); !errors.Is(err, rc.Err(rc.BadParameter)) {
		t.Errorf("Encode accepted an oversized block: %v", err)
	}
}

func TestFamilyAndKeyMatching(t *testing.T) {
	img := sampleImage()
	if !img.AcceptsSourceFamily(1) || !img.AcceptsSourceFamily(2) {
		t.Error("declared source families not accepted")
	}
	if img.AcceptsSourceFamily(3) {
		t.Error("undeclared source family accepted")
	}
	if !img.MatchesKeyFingerprint(bytes.Repeat([]byte{0xAB}, 20)) {
		t.Error("declared key fingerprint not matched")
	}
	if img.MatchesKeyFingerprint([]byte{0x01}) {
		t.Error("foreign key fingerprint matched")
	}
}
