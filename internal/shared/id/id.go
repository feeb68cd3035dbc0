// Package id provides prefixed ULID generation for scan attempts and
// sessions. ULIDs are lexicographically sortable, which keeps the scan
// history ordered without extra timestamps.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ScanID identifies one scan attempt.
type ScanID string

// SessionID identifies a login session established through the gate.
type SessionID string

const (
	ScanPrefix    = "scan"
	SessionPrefix = "sess"
)

// Generator generates ULIDs from a guarded entropy source.
type Generator struct {
	entropy io.Reader
	mu      sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator(rand.Reader)
	})
	return defaultGenerator
}

// NewGenerator creates a generator with the given entropy source. Tests can
// pass a deterministic reader.
func NewGenerator(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewScanID generates a scan attempt ID.
func NewScanID() ScanID {
	return ScanID(Default().GenerateWithPrefix(ScanPrefix))
}

// NewSessionID generates a session ID.
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

func (id ScanID) String() string    { return string(id) }
func (id SessionID) String() string { return string(id) }
