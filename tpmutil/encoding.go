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

package tpmutil

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/infineon/tpmfactoryupd/rc"
)

var selfMarshalerType = reflect.TypeOf((*SelfMarshaler)(nil)).Elem()

// Pack encodes the elements into a single big-endian byte array. Every
// integer field is written in network order; sized blobs carry their length
// prefix. Plain []byte and string fields are rejected so the wire length of
// every structure is explicit: use RawBytes, U16Bytes or U32Bytes.
func Pack(elts ...interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	for _, e := range elts {
		if err := packValue(buf, reflect.ValueOf(e)); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// BuildCommand packs a command header followed by the body elements and
// patches the header's size field with the final command length. The result
// never exceeds MaxCommandSize.
func BuildCommand(tag Tag, cmd Command, body ...interface{}) ([]byte, error) {
	hdr := CommandHeader{Tag: tag, Cmd: cmd}
	hdrSize := binary.Size(hdr)
	b, err := Pack(body...)
	if err != nil {
		return nil, err
	}
	if hdrSize+len(b) > MaxCommandSize {
		return nil, rc.Err(rc.InsufficientBuffer, "command %08X is %d bytes, limit is %d", uint32(cmd), hdrSize+len(b), MaxCommandSize)
	}
	hdr.Size = uint32(hdrSize + len(b))
	h, err := Pack(hdr)
	if err != nil {
		return nil, err
	}
	return append(h, b...), nil
}

// tryMarshal dispatches to a TPMMarshal method when the type (or its
// pointer) provides one.
func tryMarshal(buf io.Writer, v reflect.Value) (bool, error) {
	t := v.Type()
	if t.Implements(selfMarshalerType) {
		return true, v.Interface().(SelfMarshaler).TPMMarshal(buf)
	}
	if reflect.PtrTo(t).Implements(selfMarshalerType) {
		tmp := reflect.New(t)
		tmp.Elem().Set(v)
		return true, tmp.Interface().(SelfMarshaler).TPMMarshal(buf)
	}
	return false, nil
}

func packValue(buf io.Writer, v reflect.Value) error {
	if ok, err := tryMarshal(buf, v); ok {
		return err
	}
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return fmt.Errorf("cannot pack nil %s", v.Type())
		}
		return packValue(buf, v.Elem())
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if err := packValue(buf, v.Field(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return fmt.Errorf("cannot pack plain []byte %s, use RawBytes, U16Bytes or U32Bytes", v.Type())
		}
		return binary.Write(buf, binary.BigEndian, v.Interface())
	case reflect.String:
		return fmt.Errorf("cannot pack string, marshal it as a sized blob")
	default:
		return binary.Write(buf, binary.BigEndian, v.Interface())
	}
}

// Unpack decodes b into the given pointers and returns the number of bytes
// consumed. Reading past the end of b fails with rc.InsufficientBuffer and
// leaves the targets unspecified; the caller must discard the whole message.
func Unpack(b []byte, elts ...interface{}) (int, error) {
	buf := bytes.NewBuffer(b)
	err := UnpackBuf(buf, elts...)
	return len(b) - buf.Len(), err
}

// UnpackBuf decodes from a reader just as Unpack does from a byte slice.
func UnpackBuf(buf io.Reader, elts ...interface{}) error {
	for _, e := range elts {
		v := reflect.ValueOf(e)
		if v.Kind() != reflect.Ptr || v.IsNil() {
			return fmt.Errorf("non-pointer or nil value %T passed to UnpackBuf", e)
		}
		if err := unpackValue(buf, v); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return rc.Err(rc.InsufficientBuffer, "message truncated while decoding %s", v.Type().Elem())
			}
			return err
		}
	}
	return nil
}

func tryUnmarshal(buf io.Reader, v reflect.Value) (bool, error) {
	t := v.Type()
	if t.Implements(selfMarshalerType) {
		return true, v.Interface().(SelfMarshaler).TPMUnmarshal(buf)
	}
	if v.CanSet() && reflect.PtrTo(t).Implements(selfMarshalerType) {
		tmp := reflect.New(t)
		if err := tmp.Interface().(SelfMarshaler).TPMUnmarshal(buf); err != nil {
			return true, err
		}
		v.Set(tmp.Elem())
		return true, nil
	}
	return false, nil
}

func unpackValue(buf io.Reader, v reflect.Value) error {
	if ok, err := tryUnmarshal(buf, v); ok {
		return err
	}
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return fmt.Errorf("cannot unpack nil %s", v.Type())
		}
		return unpackValue(buf, v.Elem())
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if err := unpackValue(buf, v.Field(i)); err != nil {
				return err
			}
		}
		return nil
	}
	if !v.CanAddr() {
		return fmt.Errorf("cannot unpack unaddressable value %s", v.Type())
	}
	return binary.Read(buf, binary.BigEndian, v.Addr().Interface())
}
