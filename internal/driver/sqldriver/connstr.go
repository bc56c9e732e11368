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

package sqldriver

import (
	"fmt"
	"strings"
)

// ParseConnString parses an ODBC connection string
// ("Driver={name};Key=value;...") into attributes with lower-case keys.
//
// Values may be enclosed in braces to include semicolons; "}}" inside braces is a literal "}".
func ParseConnString(s string) (map[string]string, error) {
	res := make(map[string]string)

	for s != "" {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			if strings.TrimSpace(s) == "" {
				break
			}

			return nil, fmt.Errorf("missing '=' in %q", s)
		}

		key := strings.ToLower(strings.TrimSpace(s[:eq]))
		if key == "" {
			return nil, fmt.Errorf("empty attribute name in %q", s)
		}

		s = s[eq+1:]

		var value string

		if strings.HasPrefix(strings.TrimLeft(s, " "), "{") {
			s = strings.TrimLeft(s, " ")[1:]

			var sb strings.Builder
			closed := false

			for i := 0; i < len(s); i++ {
				if s[i] != '}' {
					sb.WriteByte(s[i])
					continue
				}

				if i+1 < len(s) && s[i+1] == '}' {
					sb.WriteByte('}')
					i++

					continue
				}

				s = s[i+1:]
				closed = true

				break
			}

			if !closed {
				return nil, fmt.Errorf("unterminated '{' in value of %q", key)
			}

			value = sb.String()

			s = strings.TrimLeft(s, " ")
			if s != "" && s[0] != ';' {
				return nil, fmt.Errorf("unexpected %q after value of %q", s, key)
			}
		} else {
			end := strings.IndexByte(s, ';')
			if end < 0 {
				end = len(s)
			}

			value = strings.TrimSpace(s[:end])
			s = s[end:]
		}

		s = strings.TrimPrefix(s, ";")

		if _, ok := res[key]; ok {
			return nil, fmt.Errorf("duplicate attribute %q", key)
		}

		res[key] = value
	}

	return res, nil
}
