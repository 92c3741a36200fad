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

// Package firmware decodes the vendor firmware-image container. The
// parser never talks to the chip; matching an image against the detected
// TPM is the update engine's job.
package firmware

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/coreos/go-semver/semver"
	"github.com/sirupsen/logrus"

	"github.com/infineon/tpmfactoryupd/rc"
)

// ToolVersion is this tool's release version. Images declare the minimum
// tool version able to process them.
const ToolVersion = "1.2.1"

// MaxBlockSize is the largest payload block the chip accepts in one
// field-upgrade data command.
const MaxBlockSize = 1024

// containerVersion is the only container layout this tool understands. A
// higher version is not corruption, it asks for a newer tool.
const containerVersion uint16 = 1

var magic = [4]byte{'I', 'F', 'X', 'U'}

// Section types of the container. Sections are length-prefixed and appear
// in file order; the trailer is last.
const (
	sectionSourceFamilies  uint16 = 0x0001
	sectionTargetFamily    uint16 = 0x0002
	sectionTargetVersion   uint16 = 0x0003
	sectionKeyFingerprints uint16 = 0x0004
	sectionPayloadBlock    uint16 = 0x0005
	sectionTrailer         uint16 = 0x0006
)

var log = logrus.WithField("module", "firmware")

// Image is the decoded firmware container. It is immutable after Parse.
type Image struct {
	SourceFamilies  []uint8
	TargetFamily    uint8
	TargetVersion   string
	KeyFingerprints [][]byte
	Blocks          [][]byte
	Trailer         []byte
}

// TotalPayloadBytes is the number of octets the transfer phase will send.
func (i *Image) TotalPayloadBytes() int {
	n := 0
	for _, b := range i.Blocks {
		n += len(b)
	}
	return n
}

// AcceptsSourceFamily reports whether the image may be applied to a chip
// of the given family.
func (i *Image) AcceptsSourceFamily(family uint8) bool {
	for _, f := range i.SourceFamilies {
		if f == family {
			return true
		}
	}
	return false
}

// MatchesKeyFingerprint reports whether one of the image's decrypt-key
// fingerprints equals the chip's active key fingerprint.
func (i *Image) MatchesKeyFingerprint(fp []byte) bool {
	for _, f := range i.KeyFingerprints {
		if bytes.Equal(f, fp) {
			return true
		}
	}
	return false
}

// Parse decodes and validates a firmware container.
func Parse(data []byte) (*Image, error) {
	r := bytes.NewReader(data)

	var hdr struct {
		Magic   [4]byte
		Version uint16
	}
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, rc.Err(rc.CorruptFwImage, "file too short for a container header")
	}
	if hdr.Magic != magic {
		return nil, rc.Err(rc.CorruptFwImage, "bad container magic % x", hdr.Magic)
	}
	if hdr.Version != containerVersion {
		return nil, rc.Err(rc.NewerToolRequired, "container version %d is not supported by this tool", hdr.Version)
	}
	minTool, err := readBlob16(r)
	if err != nil {
		return nil, rc.Err(rc.CorruptFwImage, "truncated minimum-tool-version field")
	}
	if err := checkToolVersion(string(minTool)); err != nil {
		return nil, err
	}

	img := &Image{}
	sawTrailer := false
	for r.Len() > 0 {
		if sawTrailer {
			return nil, rc.Err(rc.CorruptFwImage, "data after the trailer section")
		}
		var sh struct {
			Type   uint16
			Length uint32
		}
		if err := binary.Read(r, binary.BigEndian, &sh); err != nil {
			return nil, rc.Err(rc.CorruptFwImage, "truncated section header")
		}
		// The section lengths must tile the file exactly.
		if int(sh.Length) > r.Len() {
			return nil, rc.Err(rc.CorruptFwImage, "section of %d bytes exceeds remaining file size %d", sh.Length, r.Len())
		}
		payload := make([]byte, int(sh.Length))
		if _, err := r.Read(payload); err != nil {
			return nil, rc.Err(rc.CorruptFwImage, "truncated section payload")
		}

		switch sh.Type {
		case sectionSourceFamilies:
			img.SourceFamilies = append([]uint8{}, payload...)
		case sectionTargetFamily:
			if len(payload) != 1 {
				return nil, rc.Err(rc.CorruptFwImage, "target family section of %d bytes", len(payload))
			}
			img.TargetFamily = payload[0]
		case sectionTargetVersion:
			img.TargetVersion = string(payload)
		case sectionKeyFingerprints:
			fps, err := splitFingerprints(payload)
			if err != nil {
				return nil, err
			}
			img.KeyFingerprints = fps
		case sectionPayloadBlock:
			if len(payload) == 0 || len(payload) > MaxBlockSize {
				return nil, rc.Err(rc.CorruptFwImage, "payload block of %d bytes, limit is %d", len(payload), MaxBlockSize)
			}
			img.Blocks = append(img.Blocks, payload)
		case sectionTrailer:
			img.Trailer = payload
			sawTrailer = true
		default:
			// Unknown sections within a known container version are corrupt,
			// not future format revisions: those bump the version field.
			return nil, rc.Err(rc.CorruptFwImage, "unknown section type 0x%04X", sh.Type)
		}
	}

	if !sawTrailer {
		return nil, rc.Err(rc.CorruptFwImage, "container has no trailer section")
	}
	if img.TargetFamily == 0 || img.TargetVersion == "" || len(img.SourceFamilies) == 0 {
		return nil, rc.Err(rc.CorruptFwImage, "container is missing a mandatory section")
	}
	if len(img.Blocks) == 0 {
		return nil, rc.Err(rc.CorruptFwImage, "container carries no payload blocks")
	}
	log.WithFields(logrus.Fields{
		"targetVersion": img.TargetVersion,
		"blocks":        len(img.Blocks),
		"payloadBytes":  img.TotalPayloadBytes(),
	}).Debug("firmware image parsed")
	return img, nil
}

// Encode is Parse's inverse; the transfer resume tests rely on the
// round trip being exact.
func Encode(img *Image) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(magic[:])
	binary.Write(buf, binary.BigEndian, containerVersion)
	writeBlob16(buf, []byte(ToolVersion))

	writeSection(buf, sectionSourceFamilies, img.SourceFamilies)
	writeSection(buf, sectionTargetFamily, []byte{img.TargetFamily})
	writeSection(buf, sectionTargetVersion, []byte(img.TargetVersion))
	if len(img.KeyFingerprints) > 0 {
		p := new(bytes.Buffer)
		for _, fp := range img.KeyFingerprints {
			writeBlob16(p, fp)
		}
		writeSection(buf, sectionKeyFingerprints, p.Bytes())
	}
	for _, b := range img.Blocks {
		if len(b) == 0 || len(b) > MaxBlockSize {
			return nil, rc.Err(rc.BadParameter, "payload block of %d bytes", len(b))
		}
		writeSection(buf, sectionPayloadBlock, b)
	}
	writeSection(buf, sectionTrailer, img.Trailer)
	return buf.Bytes(), nil
}

func writeSection(buf *bytes.Buffer, typ uint16, payload []byte) {
	binary.Write(buf, binary.BigEndian, typ)
	binary.Write(buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(payload)
}

func writeBlob16(buf *bytes.Buffer, b []byte) {
	binary.Write(buf, binary.BigEndian, uint16(len(b)))
	buf.Write(b)
}

func readBlob16(r *bytes.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, int(n))
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func splitFingerprints(payload []byte) ([][]byte, error) {
	r := bytes.NewReader(payload)
	var fps [][]byte
	for r.Len() > 0 {
		fp, err := readBlob16(r)
		if err != nil {
			return nil, rc.Err(rc.CorruptFwImage, "truncated key fingerprint list")
		}
		fps = append(fps, fp)
	}
	return fps, nil
}

// checkToolVersion gates the container on this tool's version. An image
// built for a newer tool is reported as NewerToolRequired, never as
// corruption.
func checkToolVersion(min string) error {
	minVer, err := semver.NewVersion(min)
	if err != nil {
		return rc.Err(rc.CorruptFwImage, "unparsable minimum tool version %q", min)
	}
	toolVer := semver.New(ToolVersion)
	if toolVer.LessThan(*minVer) {
		return rc.Err(rc.NewerToolRequired, "image requires tool %s, this is %s", min, ToolVersion)
	}
	return nil
}
