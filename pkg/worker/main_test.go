package worker

import (
	"testing"

	"go.uber.org/goleak"
)

// Every test stops its pool, so no worker goroutine may outlive the package.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
