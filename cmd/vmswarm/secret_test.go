package main

import "testing"

func TestEnvName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"api-key", "API_KEY"},
		{"github.token", "GITHUB_TOKEN"},
		{"ALREADY_FINE", "ALREADY_FINE"},
		{"db password 2", "DB_PASSWORD_2"},
	}
	for _, tt := range tests {
		if got := envName(tt.in); got != tt.want {
			t.Errorf("envName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
