// Copyright 2021 FerretDB Inc.
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


package driver

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Decode returns the Go value of an encoded buffer.
//
// It is used by drivers implemented in Go to read buffers
// produced by the params package: little-endian numbers,
// NUL-terminated strings with the indicator holding the length.
func Decode(cType CType, buf []byte, ind int64) (any, error) {
	if ind == NullData {
		return nil, nil
	}

	switch cType {
	case CChar:
		if ind < 0 || ind > int64(len(buf)) {
			return nil, fmt.Errorf("invalid indicator %d for buffer of %d bytes", ind, len(buf))
		}

		return string(buf[:ind]), nil

	case CSBigInt:
		if len(buf) < 8 {
			return nil, fmt.Errorf("short integer buffer: %d bytes", len(buf))
		}

		return int64(binary.LittleEndian.Uint64(buf)), nil

	case CDouble:
		if len(buf) < 8 {
			return nil, fmt.Errorf("short double buffer: %d bytes", len(buf))
		}

		return math.Float64frombits(binary.LittleEndian.Uint64(buf)), nil

	case CBit:
		if len(buf) < 1 {
			return nil, fmt.Errorf("empty bit buffer")
		}

		return buf[0] != 0, nil

	default:
		return nil, fmt.Errorf("unsupported C type %s", cType)
	}
}
