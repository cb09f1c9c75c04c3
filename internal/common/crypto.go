package common

import (
	"crypto/rand"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
)

// delays between attempts to read from a failing random source
var randRetryDelays = [...]time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 30 * time.Millisecond,
	50 * time.Millisecond, 100 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond,
	1 * time.Second, 3 * time.Second, 5 * time.Second}

// CryptoRandRead fills buf with cryptographically secure random bytes. Resume tokens depend on it.
func CryptoRandRead(buf []byte) {
	RandRead(rand.Reader, buf)
}

// RandRead fills buf from randSource, retrying with a growing delay if the source fails.
// A source that never recovers is fatal.
func RandRead(randSource io.Reader, buf []byte) {
	_, err := io.ReadFull(randSource, buf)
	for _, delay := range randRetryDelays {
		if err == nil {
			return
		}
		log.Errorf("failed to read %v random bytes: %v, retrying in %v", len(buf), err, delay)
		time.Sleep(delay)
		_, err = io.ReadFull(randSource, buf)
	}
	if err != nil {
		log.Fatalf("random source still failing after %v retries: %v", len(randRetryDelays), err)
	}
}
