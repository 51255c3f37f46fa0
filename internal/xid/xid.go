package xid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New returns a time-ordered identifier such as "sale_0190f3c2-...". The UUIDv7
// payload keeps ids sortable by creation time.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	if prefix == "" {
		return id.String()
	}
	return fmt.Sprintf("%s_%s", prefix, id.String())
}

// Valid reports whether value is an id produced by New with the given prefix.
func Valid(prefix string, value string) bool {
	raw := value
	if prefix != "" {
		if !strings.HasPrefix(value, prefix+"_") {
			return false
		}
		raw = strings.TrimPrefix(value, prefix+"_")
	}
	_, err := uuid.Parse(raw)
	return err == nil
}
