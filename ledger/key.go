package ledger

import (
	"strings"
	"time"
)

// IdempotencyKey names a once-only posting: (account, scope, period).
//
// Scope is the bonus type or game id ("daily/GC", "snake", "purchase").
// Period is the UTC date for per-day grants or a foreign id for one-shot
// grants (purchase id, withdrawal id).
type IdempotencyKey struct {
	AccountID AccountID
	Scope     string
	Period    string
}

// keyEscaper makes String injective: parts may themselves contain the
// separator, since account ids and foreign ids come from callers.
var keyEscaper = strings.NewReplacer(`\`, `\\`, "|", `\|`)

// String returns the canonical form stored in the registry. Backslashes and
// separators inside a part are escaped, so distinct keys never collide.
func (k IdempotencyKey) String() string {
	return strings.Join([]string{
		keyEscaper.Replace(string(k.AccountID)),
		keyEscaper.Replace(k.Scope),
		keyEscaper.Replace(k.Period),
	}, "|")
}

// IsZero reports whether the key is unset.
func (k IdempotencyKey) IsZero() bool {
	return k.AccountID == "" && k.Scope == "" && k.Period == ""
}

// IdempotencyRecord maps a key to the transaction it produced. It is written
// in the same atomic unit as that transaction.
type IdempotencyRecord struct {
	Key           IdempotencyKey
	TransactionID TransactionID
	CreatedAt     time.Time
	ExpiresAt     time.Time // zero means the record is never pruned
}

// DayPeriod formats t as the UTC calendar date used for per-day keys.
func DayPeriod(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// DayExpiry returns when a per-day record becomes prunable: grace after the
// end of the UTC day containing t.
func DayExpiry(t time.Time, grace time.Duration) time.Time {
	u := t.UTC()
	endOfDay := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return endOfDay.Add(grace)
}
