package server

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain fails the package if any test leaves connection, accept or
// relay goroutines running
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
