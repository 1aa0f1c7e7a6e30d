// Package mcpconfig loads Server Specifications from a JSONC file.
package mcpconfig

import "strings"

// StripComments removes // and /* */ comments from JSONC content, leaving
// content inside string literals untouched.
func StripComments(data []byte) []byte {
	input := string(data)
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	inString := false
	for i < len(input) {
		if inString && input[i] == '\\' && i+1 < len(input) {
			result.WriteByte(input[i])
			result.WriteByte(input[i+1])
			i += 2
			continue
		}

		if input[i] == '"' {
			inString = !inString
			result.WriteByte(input[i])
			i++
			continue
		}

		if !inString {
			if i+1 < len(input) && input[i] == '/' && input[i+1] == '/' {
				for i < len(input) && input[i] != '\n' {
					i++
				}
				continue
			}

			if i+1 < len(input) && input[i] == '/' && input[i+1] == '*' {
				i += 2
				for i+1 < len(input) {
					if input[i] == '*' && input[i+1] == '/' {
						i += 2
						break
					}
					i++
				}
				continue
			}
		}

		result.WriteByte(input[i])
		i++
	}

	return []byte(result.String())
}
