package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndString(t *testing.T) {
	a, err := Parse("1.2.3.4:10000")
	require.NoError(t, err)
	assert.Equal(t, Address{Host: "1.2.3.4", Port: 10000}, a)
	assert.Equal(t, "1.2.3.4:10000", a.String())
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := Parse("no-port-here")
	assert.Error(t, err)

	_, err = Parse(":10000")
	assert.Error(t, err)

	_, err = Parse("host:notaport")
	assert.Error(t, err)
}

func TestIsZero(t *testing.T) {
	assert.True(t, Address{}.IsZero())
	assert.False(t, Address{Host: "a", Port: 1}.IsZero())
}

func TestKeyToPathRoundTrip(t *testing.T) {
	cases := []string{
		"",
		"simple",
		"1.2.3.4:10000",
		"has/a/slash",
		"has%a%percent",
		"mixed/%both%/values",
		"////",
		"%%%%",
	}
	for _, c := range cases {
		encoded := KeyToPath(c)
		assert.NotContains(t, encoded, "/")
		decoded := PathToKey(encoded)
		assert.Equal(t, c, decoded, "round trip for %q", c)
	}
}

func TestStaticResolver(t *testing.T) {
	r := StaticResolver(map[string]string{"10.0.0.1": "us-east", "10.0.0.2": "us-west"})
	assert.Equal(t, "us-east", r(Address{Host: "10.0.0.1", Port: 1}))
	assert.Equal(t, "us-west", r(Address{Host: "10.0.0.2", Port: 2}))
	assert.Equal(t, "", r(Address{Host: "unknown", Port: 3}))
}

func TestNoopResolver(t *testing.T) {
	assert.Equal(t, "", NoopResolver(Address{Host: "anything", Port: 1}))
}
