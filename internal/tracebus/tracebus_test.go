package tracebus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/anash28/linux-agent/internal/sectorstore"
)

func TestEncodeDecodeInterval_RoundTrips(t *testing.T) {
	iv := sectorstore.Interval{Lower: 128, Upper: 4096}
	decoded, ok := decodeInterval(encodeInterval(iv))
	assert.True(t, ok)
	assert.Equal(t, iv, decoded)
}

func TestDecodeInterval_RejectsMalformedPayload(t *testing.T) {
	_, ok := decodeInterval([]byte{1, 2, 3})
	assert.False(t, ok)
}
