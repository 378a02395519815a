package ucs

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// DefaultPartSize is the smallest part size handed to clients.
	DefaultPartSize int64 = 16 * 1024 * 1024

	// MaxPartNumber bounds the number of parts of one attempt.
	MaxPartNumber = 10000

	partSeparator = ".part-"
)

// PartSize returns the part size for a file of the given size: the default,
// doubled until the file fits into MaxPartNumber parts.
func PartSize(fileSize int64) int64 {
	size := DefaultPartSize
	for fileSize > size*MaxPartNumber {
		size *= 2
	}
	return size
}

// PartCount is the number of parts a file of fileSize splits into, or 0 when
// the size is not known.
func PartCount(fileSize, partSize int64) int {
	if fileSize <= 0 || partSize <= 0 {
		return 0
	}
	return int((fileSize + partSize - 1) / partSize)
}

// PartKey derives the storage key of one part of an attempt. Parts sit next
// to the attempt object and are joined into it on completion.
func PartKey(objectKey string, partNo int) string {
	return fmt.Sprintf("%s%s%05d", objectKey, partSeparator, partNo)
}

// PartKeys lists the keys of parts 1..n of an attempt.
func PartKeys(objectKey string, n int) []string {
	keys := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		keys = append(keys, PartKey(objectKey, i))
	}
	return keys
}

// splitPartKey strips a part suffix from the upload id segment of a key.
func splitPartKey(uploadID string) (string, int, bool) {
	base, num, found := strings.Cut(uploadID, partSeparator)
	if !found {
		return uploadID, 0, false
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 || n > MaxPartNumber {
		return uploadID, 0, false
	}
	return base, n, true
}
