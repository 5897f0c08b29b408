package protocol

import (
	"unicode"
	"unicode/utf8"
)

// ValidateRoomID rejects ids that are empty, longer than maxLen bytes (when
// maxLen > 0), not valid UTF-8 or that contain control characters.
func ValidateRoomID(id string, maxLen int) *Error {
	if id == "" {
		return Errorf(CodeBadMessage, "roomId must not be empty")
	}
	if maxLen > 0 && len(id) > maxLen {
		return Errorf(CodeBadMessage, "roomId exceeds %d bytes", maxLen)
	}
	if !utf8.ValidString(id) {
		return Errorf(CodeBadMessage, "roomId must be valid utf-8")
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return Errorf(CodeBadMessage, "roomId must not contain control characters")
		}
	}
	return nil
}
