package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("HAULBOOKS_TEST_MODE") == "" {
			_ = os.Setenv("HAULBOOKS_TEST_MODE", "1")
		}
	})
}
