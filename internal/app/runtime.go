package app

import (
	"os"
	"strconv"
	"sync"
)

// TestModeEnv turns the binaries into no-ops so that test runs never open connections.
const TestModeEnv = "MEALSPHERE_TEST_MODE"

var testMode = sync.OnceValue(func() bool {
	return envFlag(TestModeEnv)
})

// InTestMode reports whether MEALSPHERE_TEST_MODE is set. The value is read once per process.
func InTestMode() bool {
	return testMode()
}

func envFlag(name string) bool {
	on, err := strconv.ParseBool(os.Getenv(name))
	return err == nil && on
}
