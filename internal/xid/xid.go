package xid

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns a time-ordered identifier with the given prefix.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), uuid.NewString())
	}
	return fmt.Sprintf("%s-%s", prefix, id.String())
}

var keyNamespace = uuid.MustParse("6f1c2b7e-4d3a-5e8f-9a0b-1c2d3e4f5a6b")

// FromKey returns the same identifier for the same prefix and key.
func FromKey(prefix, key string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewSHA1(keyNamespace, []byte(key)).String())
}
