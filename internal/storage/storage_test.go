package storage

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "telegram id", key: "123456789", wantErr: false},
		{name: "mixed charset", key: "user_A-1.b", wantErr: false},
		{name: "empty", key: "", wantErr: true},
		{name: "path traversal", key: "../etc/passwd", wantErr: true},
		{name: "slash", key: "a/b", wantErr: true},
		{name: "space", key: "a b", wantErr: true},
		{name: "shell metachar", key: "a;rm", wantErr: true},
		{name: "quote", key: "a'b", wantErr: true},
		{name: "leading dot", key: ".hidden", wantErr: true},
		{name: "unicode", key: "usuário", wantErr: true},
		{name: "too long", key: strings.Repeat("a", maxKeyLen+1), wantErr: true},
		{name: "max length", key: strings.Repeat("a", maxKeyLen), wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidKey) {
					t.Errorf("ValidateKey(%q) = %v, want ErrInvalidKey", tt.key, err)
				}
				return
			}
			if err != nil {
				t.Errorf("ValidateKey(%q) = %v, want nil", tt.key, err)
			}
		})
	}
}

func TestKeyFromFile(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		want   string
		wantOK bool
	}{
		{name: "record", file: "123.json", want: "123", wantOK: true},
		{name: "dotted key", file: "a.b.json", want: "a.b", wantOK: true},
		{name: "temp file", file: "123.json.tmp", wantOK: false},
		{name: "lock file", file: ".lock", wantOK: false},
		{name: "bare extension", file: ".json", wantOK: false},
		{name: "wrong extension", file: "123.txt", wantOK: false},
		{name: "hostile stem", file: "a b.json", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := keyFromFile(tt.file)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("keyFromFile(%q) = (%q, %v), want (%q, %v)",
					tt.file, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
