package handle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapitalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"otter", "Otter"},
		{"oTTER", "OTTER"},
		{"élan", "Élan"},
		{"9lives", "9lives"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Capitalize(tt.in))
		})
	}
}

func TestIsAlphanumeric(t *testing.T) {
	assert.True(t, IsAlphanumeric("SwiftOtter42"))
	assert.False(t, IsAlphanumeric(""))
	assert.False(t, IsAlphanumeric("swift otter"))
	assert.False(t, IsAlphanumeric("otter!"))
	assert.False(t, IsAlphanumeric("émile"))
}

func TestRandom(t *testing.T) {
	for range 50 {
		h := Random()
		assert.True(t, Valid(h), h)
		assert.Equal(t, Capitalize(h), h)
	}
}

func TestModulus(t *testing.T) {
	// Reference values of the 32-bit h*31+c string hash.
	assert.Equal(t, 0, Modulus("", 7))
	assert.Equal(t, 97%7, Modulus("a", 7))
	assert.Equal(t, 3105%10, Modulus("ab", 10))
	assert.Equal(t, 99162322%1000, Modulus("hello", 1000))

	// "polygenelubricants" hashes to math.MinInt32.
	assert.Equal(t, int(int64(2147483648)%10), Modulus("polygenelubricants", 10))

	assert.Equal(t, 0, Modulus("anything", 0))
	for _, s := range []string{"ann", "bo", "cy", "SwiftOtter"} {
		m := Modulus(s, 10)
		assert.GreaterOrEqual(t, m, 0)
		assert.Less(t, m, 10)
		assert.Equal(t, m, Modulus(s, 10))
	}
}

func TestColorize(t *testing.T) {
	assert.Contains(t, Colorize("ann"), "ann")
}
