// Package id mints the identifiers the bridge hands out for jobs,
// suggestions and event-stream clients.
package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// alphabet deliberately leaves out NanoID's default "-" and "_" so a
// whole id double-click-selects in a terminal and the kind separator
// stays unambiguous.
const alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// size of the random part. 16 characters over a 62-symbol alphabet is
// about 95 bits, far more than a single-instance sqlite file needs.
const size = 16

// Generate mints an id of the form "<kind>_<random>", for example
// "job_f3Zt0qK8mW2cYxGd". The kind keeps log lines and API payloads
// self-describing.
func Generate(kind string) (string, error) {
	suffix, err := gonanoid.Generate(alphabet, size)
	if err != nil {
		return "", fmt.Errorf("mint %s id: %w", kind, err)
	}
	return kind + "_" + suffix, nil
}

// MustGenerate is Generate for call sites with no error path. It only
// fails when the OS entropy source does.
func MustGenerate(kind string) string {
	id, err := Generate(kind)
	if err != nil {
		panic(err)
	}
	return id
}
