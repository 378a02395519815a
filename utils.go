package ucs

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxIdentifierLength = 255

// IsValidFileID validates that an identifier can be used as a file id and as
// a storage key segment. It checks that the id:
//   - is not empty, "." or ".."
//   - is at most 255 bytes
//   - does not contain "/" or "\"
//   - does not contain invalid characters: ? # ~ %
//   - is valid UTF-8
//   - does not contain null bytes, control characters (< 0x20), DEL (0x7f), or whitespace
func IsValidFileID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}

	if len(id) > maxIdentifierLength {
		return false
	}

	if strings.ContainsAny(id, `/\?#~%`) {
		return false
	}

	if !utf8.ValidString(id) {
		return false
	}

	for _, r := range id {
		if r == 0 || r < 0x20 || r == 0x7f || unicode.IsSpace(r) {
			return false
		}
	}

	return true
}

// ObjectKey derives the inbox storage key for one upload attempt. Every
// attempt writes to its own key, so a stale credential can never overwrite
// the object of the live attempt.
func ObjectKey(fileID, uploadID string) string {
	return fileID + "/" + uploadID
}

// ParseObjectKey splits a key produced by ObjectKey or PartKey. For a part
// key the upload id is that of the attempt the part belongs to.
func ParseObjectKey(key string) (fileID, uploadID string, ok bool) {
	fileID, uploadID, ok = strings.Cut(key, "/")
	if !ok || !IsValidFileID(fileID) || !IsValidFileID(uploadID) {
		return "", "", false
	}
	uploadID, _, _ = splitPartKey(uploadID)
	return fileID, uploadID, true
}
