package schedule

import "github.com/google/uuid"

// IDFunc mints identifiers for generated records. A nil IDFunc uses random UUIDs.
type IDFunc func() string

func (f IDFunc) Next() string {
	if f == nil {
		return uuid.NewString()
	}
	return f()
}
