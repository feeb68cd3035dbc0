package id

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewScanIDPrefix(t *testing.T) {
	id := NewScanID().String()
	assert.True(t, strings.HasPrefix(id, "scan_"))
}

func TestNewSessionIDPrefix(t *testing.T) {
	id := NewSessionID().String()
	assert.True(t, strings.HasPrefix(id, "sess_"))
}

func TestIDsAreUnique(t *testing.T) {
	seen := make(map[ScanID]bool)
	for i := 0; i < 1000; i++ {
		id := NewScanID()
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
