package wire

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
)

var idCounter int64

// newID mints a process-wide-unique id: a monotonic counter (for
// ordering/debuggability) plus a short random suffix (so ids minted by two
// independent Nexus instances that happen to share a log never collide).
func newID() string {
	n := atomic.AddInt64(&idCounter, 1)
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%d-%s", n, hex.EncodeToString(b[:]))
}
