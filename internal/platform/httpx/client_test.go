// SPDX-License-Identifier: MIT

package httpx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewTransport_Defaults(t *testing.T) {
	tr := NewTransport(0)
	assert.Equal(t, defaultDialTimeout, tr.TLSHandshakeTimeout)
	assert.Equal(t, defaultMaxIdleConns, tr.MaxIdleConns)
	assert.Equal(t, defaultMaxIdleConnsPerHost, tr.MaxIdleConnsPerHost)
	assert.Equal(t, defaultIdleConnTimeout, tr.IdleConnTimeout)
	assert.Zero(t, tr.ResponseHeaderTimeout, "uploads must not hit a header timeout")
	assert.NotNil(t, tr.Proxy)
}

func TestNewTransport_CustomDialTimeout(t *testing.T) {
	tr := NewTransport(2 * time.Second)
	assert.Equal(t, 2*time.Second, tr.TLSHandshakeTimeout)
}
