package common

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// Pennies is a price expressed in integer hundredths of the quote
// currency. Exchanges deliver prices as decimal strings; keeping them as
// integer hundredths makes min/max/sum accumulation exact.
type Pennies uint64

func (p Pennies) String() string {
	return fmt.Sprintf("%d.%02d", uint64(p)/100, uint64(p)%100)
}

// ParsePennies converts a decimal price string into Pennies: "123.45"
// parses to 12345, "123" to 12300. Exactly two fractional digits are
// read when present, and any further precision is dropped: "1.239"
// parses to 123. A lone fractional digit is ignored ("1.4" parses to
// 100).
func ParsePennies(s string) (Pennies, error) {
	whole := s
	frac := ""

	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}

	n, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, errors.Annotatef(err, "malformed price %q", s)
	}

	p := Pennies(n * 100)

	if len(frac) >= 2 && isDigit(frac[0]) && isDigit(frac[1]) {
		p += Pennies(frac[0]-'0')*10 + Pennies(frac[1]-'0')
	}

	return p, nil
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
