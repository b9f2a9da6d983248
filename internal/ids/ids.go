// Package ids mints the identifiers used for actors and articles.
package ids

import "github.com/oklog/ulid/v2"

// New returns a ULID string. IDs minted by one process sort by creation
// time, including within the same millisecond.
func New() string {
	return ulid.Make().String()
}
