package xid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New returns a sortable-enough identifier of the form prefix-<unixnano>-<uuid hex>.
func New(prefix string) string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), strings.ReplaceAll(id.String(), "-", "")[:16])
}

// Invoice returns a human-facing invoice number for a sale made at t,
// e.g. INV-20261019-3FA85F.
func Invoice(t time.Time) string {
	id := uuid.New()
	return fmt.Sprintf("INV-%s-%s", t.UTC().Format("20060102"), strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:6]))
}
