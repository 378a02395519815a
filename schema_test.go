package ucs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagarc03/ucs"
)

func TestCheckColumns(t *testing.T) {
	want := []ucs.Column{
		{Name: "file_id", Type: "text"},
		{Name: "version", Type: "bigint"},
	}

	tests := []struct {
		name    string
		have    []ucs.Column
		wantErr []string
	}{
		{
			name: "matching layout",
			have: []ucs.Column{{Name: "file_id", Type: "TEXT"}, {Name: "version", Type: "bigint"}, {Name: "extra", Type: "text"}},
		},
		{
			name:    "no table",
			wantErr: []string{"table records does not exist"},
		},
		{
			name:    "missing column",
			have:    []ucs.Column{{Name: "file_id", Type: "text"}},
			wantErr: []string{"missing columns: version"},
		},
		{
			name: "wrong type and nullability",
			have: []ucs.Column{{Name: "file_id", Type: "text", Nullable: true}, {Name: "version", Type: "integer"}},
			wantErr: []string{
				"file_id: expected nullable=false, got nullable=true",
				"version: expected bigint, got integer",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ucs.CheckColumns("records", want, tt.have)
			if len(tt.wantErr) == 0 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, msg := range tt.wantErr {
				assert.Contains(t, err.Error(), msg)
			}
		})
	}
}
