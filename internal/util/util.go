package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// ID prefixes keep identifiers self-describing in logs and dashboards.
const (
	PrefixAccount = "acc_"
	PrefixContact = "ctc_"
	PrefixThread  = "thr_"
	PrefixMessage = "msg_"
	PrefixOrphan  = "orp_"
)

// NewID returns a prefixed ULID (sortable, nice for DB indexes).
func NewID(prefix string) string {
	t := time.Now().UTC()
	return prefix + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewMessageID() string { return NewID(PrefixMessage) }

func NowUTC() time.Time {
	return time.Now().UTC()
}
