package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePennies(t *testing.T) {
	cases := []struct {
		in      string
		want    Pennies
		wantErr bool
	}{
		{in: "123.45", want: 12345},
		{in: "123", want: 12300},
		{in: "0.01", want: 1},
		{in: "0.00", want: 0},
		{in: "41000.20", want: 4100020},

		// Extra precision beyond pennies is dropped
		{in: "1.239", want: 123},
		{in: "1.2399999", want: 123},

		// Both penny digits are needed; a lone fractional digit reads as
		// none at all
		{in: "1.4", want: 100},
		{in: "1.", want: 100},

		// Garbage instead of a fractional part reads as none at all, but
		// garbage in the whole part is an error
		{in: "1.x4", want: 100},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "-1.23", wantErr: true},
		{in: ".50", wantErr: true},
		{in: "12x.45", wantErr: true},
	}

	for _, tc := range cases {
		got, err := ParsePennies(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}

		assert.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestPenniesString(t *testing.T) {
	assert.Equal(t, "123.45", Pennies(12345).String())
	assert.Equal(t, "123.00", Pennies(12300).String())
	assert.Equal(t, "0.07", Pennies(7).String())
}
