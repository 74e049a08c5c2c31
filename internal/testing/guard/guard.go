// Package guard forces test mode for packages that build the application
// wiring. Import it for side effects from _test files.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("MOBILIA_TEST_MODE") == "" {
			_ = os.Setenv("MOBILIA_TEST_MODE", "1")
		}
		if os.Getenv("STORAGE_DRIVER") == "" {
			_ = os.Setenv("STORAGE_DRIVER", "memory")
		}
	})
}
