package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDNS_IdForIsStablePerAddress(t *testing.T) {
	d := NewDNS(testDiscoveryConfig(), Callbacks{})

	first := d.idFor("10.0.0.1")
	second := d.idFor("10.0.0.1")
	other := d.idFor("10.0.0.2")

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
}

func TestDNS_CanonicalizeURLLowercasesHostOnly(t *testing.T) {
	assert.Equal(t, "http://10.0.0.1:8000/Path", canonicalizeURL("http://10.0.0.1:8000/Path"))
	assert.Equal(t, "HTTP://host:8000", canonicalizeURL("HTTP://HOST:8000/"))
}
