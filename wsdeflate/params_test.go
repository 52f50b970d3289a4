package wsdeflate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParameters(t *testing.T) {
	tests := []struct {
		name     string
		params   map[string]string
		expected Parameters
		wantErr  bool
	}{
		{
			name:     "Empty",
			params:   map[string]string{},
			expected: Parameters{},
		},
		{
			name: "Takeover flags",
			params: map[string]string{
				"server_no_context_takeover": "",
				"client_no_context_takeover": "",
			},
			expected: Parameters{ServerNoContextTakeover: true, ClientNoContextTakeover: true},
		},
		{
			name:     "Server window bits",
			params:   map[string]string{"server_max_window_bits": "10"},
			expected: Parameters{ServerMaxWindowBits: 10},
		},
		{
			name:     "Client window bits with value",
			params:   map[string]string{"client_max_window_bits": "12"},
			expected: Parameters{ClientMaxWindowBits: 12},
		},
		{
			name:     "Client window bits without value",
			params:   map[string]string{"client_max_window_bits": ""},
			expected: Parameters{ClientMaxWindowBits: windowBitsPresent},
		},
		{
			name:    "Server window bits without value",
			params:  map[string]string{"server_max_window_bits": ""},
			wantErr: true,
		},
		{
			name:    "Window bits below range",
			params:  map[string]string{"server_max_window_bits": "7"},
			wantErr: true,
		},
		{
			name:    "Window bits above range",
			params:  map[string]string{"client_max_window_bits": "16"},
			wantErr: true,
		},
		{
			name:    "Window bits not a number",
			params:  map[string]string{"server_max_window_bits": "many"},
			wantErr: true,
		},
		{
			name:    "Takeover flag with value",
			params:  map[string]string{"server_no_context_takeover": "yes"},
			wantErr: true,
		},
		{
			name:    "Unknown parameter",
			params:  map[string]string{"x-unknown": "1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := parseParameters(tt.params)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, p)
		})
	}
}

func TestParametersFormat(t *testing.T) {
	tests := []struct {
		name     string
		params   Parameters
		expected string
	}{
		{
			name:     "Bare",
			params:   Parameters{},
			expected: "permessage-deflate",
		},
		{
			name: "All parameters",
			params: Parameters{
				ServerNoContextTakeover: true,
				ClientNoContextTakeover: true,
				ServerMaxWindowBits:     10,
				ClientMaxWindowBits:     12,
			},
			expected: "permessage-deflate; server_no_context_takeover; client_no_context_takeover; server_max_window_bits=10; client_max_window_bits=12",
		},
		{
			name:     "Valueless client bits",
			params:   Parameters{ClientMaxWindowBits: windowBitsPresent},
			expected: "permessage-deflate; client_max_window_bits",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.params.format())
		})
	}
}

func TestIsValidBits(t *testing.T) {
	for _, v := range []int{8, 9, 15} {
		assert.True(t, isValidBits(v), "bits %d", v)
	}
	for _, v := range []int{0, 1, 7, 16} {
		assert.False(t, isValidBits(v), "bits %d", v)
	}
}
