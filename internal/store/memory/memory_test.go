package memory

import (
	"testing"

	"github.com/loykin/devsvc/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, New())
}
