package privilege

import (
	"errors"
	"testing"
)

func TestCheckSandbox(t *testing.T) {
	tests := []struct {
		root, noSandbox bool
		want            error
	}{
		{false, false, nil},
		{false, true, nil},
		{true, true, nil},
		{true, false, ErrSandboxAsRoot},
	}
	for _, tt := range tests {
		if got := checkSandbox(tt.root, tt.noSandbox); !errors.Is(got, tt.want) {
			t.Fatalf("checkSandbox(root=%v, noSandbox=%v) = %v, want %v", tt.root, tt.noSandbox, got, tt.want)
		}
	}
}
