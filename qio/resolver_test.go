package qio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupLocalhost(t *testing.T) {
	d := newTestDispatcher(t)
	got := make(chan ResolverResponse, 1)

	d.Lookup("localhost").
		Then(func(resp ResolverResponse) { got <- resp }).
		Fail(func(err error) {
			t.Errorf("lookup failed: %v", err)
			got <- ResolverResponse{}
		})

	resp := waitFor(t, got)
	require.NotEmpty(t, resp.Addresses)
	loopback := false
	for _, addr := range resp.Addresses {
		if addr.IsLoopback() {
			loopback = true
		}
	}
	assert.True(t, loopback, "localhost resolved to %v", resp.Addresses)
}

func TestLookupInvalidNameRejects(t *testing.T) {
	d := newTestDispatcher(t)
	got := make(chan error, 1)

	// Malformed names fail in the resolver without touching the network.
	d.Lookup("not a valid!hostname").
		Then(func(ResolverResponse) { t.Error("lookup unexpectedly succeeded") }).
		Fail(func(err error) { got <- err })

	err := waitFor(t, got)
	var dnsErr *DNSLookupError
	assert.ErrorAs(t, err, &dnsErr)
}
