package hash

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSum(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(*testing.T, string)
	}{
		{
			name:  "deterministic",
			input: "test",
			check: func(t *testing.T, h string) {
				assert.Equal(t, h, Sum("test"), "same input should produce same hash")
			},
		},
		{
			name:  "known sha1 vector",
			input: "abc",
			check: func(t *testing.T, h string) {
				assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", h)
			},
		},
		{
			name:  "different inputs produce different hashes",
			input: "test1",
			check: func(t *testing.T, h string) {
				assert.NotEqual(t, h, Sum("test2"))
			},
		},
		{
			name:  "empty input",
			input: "",
			check: func(t *testing.T, h string) {
				assert.Equal(t, "da39a3ee5e6b4b0d3255bfef95601890afd80709", h)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Sum(tt.input)
			require.Len(t, h, Size)
			assert.True(t, IsValid(h))
			tt.check(t, h)
		})
	}
}

func TestDigest(t *testing.T) {
	h, err := Digest("127.0.0.1:11108")
	require.NoError(t, err)
	assert.Equal(t, Sum("127.0.0.1:11108"), h)

	var fn Func = Digest
	h2, err := fn("127.0.0.1:11108")
	require.NoError(t, err)
	assert.Equal(t, h, h2)

	failing := Func(func(string) (string, error) { return "", errors.New("no digest") })
	_, err = failing("x")
	assert.Error(t, err)
}

func TestBetween(t *testing.T) {
	tests := []struct {
		name      string
		candidate string
		low       string
		high      string
		want      bool
	}{
		{name: "inside normal range", candidate: "5", low: "3", high: "7", want: true},
		{name: "exclusive low", candidate: "3", low: "3", high: "7", want: false},
		{name: "inclusive high", candidate: "7", low: "3", high: "7", want: true},
		{name: "below normal range", candidate: "2", low: "3", high: "7", want: false},
		{name: "above normal range", candidate: "8", low: "3", high: "7", want: false},
		{name: "wraparound low side", candidate: "1", low: "8", high: "3", want: true},
		{name: "wraparound high side", candidate: "9", low: "8", high: "3", want: true},
		{name: "wraparound inclusive high", candidate: "3", low: "8", high: "3", want: true},
		{name: "wraparound exclusive low", candidate: "8", low: "8", high: "3", want: false},
		{name: "outside wraparound range", candidate: "5", low: "8", high: "3", want: false},
		{name: "equal bounds cover everything", candidate: "5", low: "4", high: "4", want: true},
		{name: "equal bounds include the bound", candidate: "4", low: "4", high: "4", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Between(tt.candidate, tt.low, tt.high))
		})
	}
}

func TestBetweenWithDigests(t *testing.T) {
	a, b := Sum("node-a"), Sum("node-b")
	low, high := a, b
	if Compare(a, b) > 0 {
		low, high = b, a
	}

	// Every digest lands in exactly one of the two arcs the pair splits the ring into.
	for i := 0; i < 200; i++ {
		k := Sum(string(rune('a'+i%26)) + string(rune(i)))
		inFirst := Between(k, low, high)
		inSecond := Between(k, high, low)
		assert.NotEqual(t, inFirst, inSecond, "key %s must belong to exactly one arc", k)
	}
}

func TestCompare(t *testing.T) {
	assert.Equal(t, 0, Compare("0a", "0a"))
	assert.Less(t, Compare("09", "0a"), 0)
	assert.Greater(t, Compare("ff", "0f"), 0)
}

func TestIsValid(t *testing.T) {
	assert.True(t, IsValid(Sum("x")))
	assert.False(t, IsValid(""))
	assert.False(t, IsValid("abc"))
	assert.False(t, IsValid("A9993E364706816ABA3E25717850C26C9CD0D89D"))
	assert.False(t, IsValid("g9993e364706816aba3e25717850c26c9cd0d89d"))
}
