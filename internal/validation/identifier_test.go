package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateClientID(t *testing.T) {
	tests := []struct {
		name     string
		clientID string
		wantErr  bool
	}{
		{name: "simple", clientID: "hexsync-cli", wantErr: false},
		{name: "with dots and underscores", clientID: "app_v2.macos", wantErr: false},
		{name: "single character", clientID: "a", wantErr: false},
		{name: "max length", clientID: strings.Repeat("x", MaxIdentifierLen), wantErr: false},
		{name: "empty", clientID: "", wantErr: true},
		{name: "too long", clientID: strings.Repeat("x", MaxIdentifierLen+1), wantErr: true},
		{name: "spaces", clientID: "my client", wantErr: true},
		{name: "slash", clientID: "client/1", wantErr: true},
		{name: "cyrillic", clientID: "клиент", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateClientID(tt.clientID)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateDeviceID(t *testing.T) {
	assert.NoError(t, ValidateDeviceID(""))
	assert.NoError(t, ValidateDeviceID("macbook-pro.local"))
	assert.Error(t, ValidateDeviceID("device id with spaces"))
	assert.Error(t, ValidateDeviceID(strings.Repeat("d", MaxIdentifierLen+1)))
}
