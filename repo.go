package ucs

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Cursor represents pagination cursor data for list operations.
type Cursor struct {
	CreatedAt time.Time
	FileID    string
}

// EncodeCursor encodes cursor data to a base64 string for pagination.
func EncodeCursor(createdAt time.Time, fileID string) string {
	data := createdAt.UTC().Format(time.RFC3339Nano) + "|" + fileID
	return base64.URLEncoding.EncodeToString([]byte(data))
}

// DecodeCursor decodes a pagination cursor string back to cursor data.
func DecodeCursor(cursor string) (Cursor, error) {
	if cursor == "" {
		return Cursor{}, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: invalid encoding: %w", err)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("decode cursor: invalid format")
	}

	if parts[1] == "" {
		return Cursor{}, fmt.Errorf("decode cursor: empty file id")
	}

	createdAt, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: invalid timestamp: %w", err)
	}

	return Cursor{CreatedAt: createdAt, FileID: parts[1]}, nil
}

// NormalizeLimit clamps a list limit into [1, 1000], defaulting to 100.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return min(limit, 1000)
}
