// Package xid generates prefixed row identifiers. The embedded timestamp
// keeps lexical order roughly aligned with insertion order, which makes raw
// table dumps readable during reconciliation.
package xid

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns an id like "sale-1756425600123456789-9f8a2c41".
func New(prefix string) string {
	u, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(u[:4]))
}
