// Package invoice issues human-readable invoice numbers such as
// FV-20261018-153045-0427.
package invoice

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"regexp"
	"strings"
	"time"
)

const suffixSpace = 10000

var numberPattern = regexp.MustCompile(`^[A-Z0-9]{1,8}-\d{8}-\d{6}-\d{4}$`)

// Numberer formats numbers from a timestamp and a random suffix. Collisions
// are possible within a second; callers must treat a duplicate as fatal for
// that attempt and ask for a fresh number.
type Numberer struct {
	prefix string
	now    func() time.Time
	random io.Reader
}

type Option func(*Numberer)

func WithClock(now func() time.Time) Option {
	return func(n *Numberer) { n.now = now }
}

func WithRandom(r io.Reader) Option {
	return func(n *Numberer) { n.random = r }
}

func NewNumberer(prefix string, opts ...Option) *Numberer {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = "FV"
	}
	n := &Numberer{prefix: prefix, now: time.Now, random: rand.Reader}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Numberer) Next() (string, error) {
	suffix, err := rand.Int(n.random, big.NewInt(suffixSpace))
	if err != nil {
		return "", fmt.Errorf("invoice suffix: %w", err)
	}
	at := n.now().UTC()
	return fmt.Sprintf("%s-%s-%04d", n.prefix, at.Format("20060102-150405"), suffix.Int64()), nil
}

// Valid reports whether number has the shape Next produces.
func Valid(number string) bool {
	return numberPattern.MatchString(number)
}
