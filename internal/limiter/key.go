package limiter

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Key identifies one counter bucket in the backing store. Keys carry the
// environment and scope in clear text so operators can read them back,
// and the identifier is escaped so adversarial values cannot cross
// namespace boundaries.
type Key struct {
	Environment string
	Scope       Scope
	Identifier  string
	Bucket      int64
}

// identifierEscaper neutralizes the key delimiter inside identifiers.
// Percent first so unescaping is unambiguous.
var (
	identifierEscaper   = strings.NewReplacer("%", "%25", ":", "%3A")
	identifierUnescaper = strings.NewReplacer("%3A", ":", "%25", "%")
)

// BucketFor computes the bucket index containing now for the given
// window. The sliding algorithm reads this bucket and the previous one.
func BucketFor(now time.Time, window time.Duration) int64 {
	return now.Unix() / int64(window/time.Second)
}

// BucketStart returns the wall-clock start of a bucket.
func BucketStart(bucket int64, window time.Duration) time.Time {
	return time.Unix(bucket*int64(window/time.Second), 0)
}

// BuildKey constructs a fully namespaced counter key. Pure; performs no
// I/O and never fails.
func BuildKey(environment string, scope Scope, identifier string, bucket int64) Key {
	return Key{
		Environment: environment,
		Scope:       scope,
		Identifier:  identifier,
		Bucket:      bucket,
	}
}

// String renders the storage key:
//
//	{environment}:ratelimit:{scope}:{identifier}:{bucket}
func (k Key) String() string {
	return fmt.Sprintf("%s:ratelimit:%s:%s:%d",
		identifierEscaper.Replace(k.Environment),
		k.Scope,
		identifierEscaper.Replace(k.Identifier),
		k.Bucket,
	)
}

// Previous returns the key for the preceding bucket.
func (k Key) Previous() Key {
	prev := k
	prev.Bucket--
	return prev
}

// ParseKey recovers a Key from its storage form, for debugging and for
// tests that assert namespace isolation.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 5 || parts[1] != "ratelimit" {
		return Key{}, fmt.Errorf("malformed counter key %q", s)
	}
	scope, err := ParseScope(parts[2])
	if err != nil {
		return Key{}, fmt.Errorf("malformed counter key %q: %w", s, err)
	}
	bucket, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("malformed counter key %q: %w", s, err)
	}
	return Key{
		Environment: identifierUnescaper.Replace(parts[0]),
		Scope:       scope,
		Identifier:  identifierUnescaper.Replace(parts[3]),
		Bucket:      bucket,
	}, nil
}
