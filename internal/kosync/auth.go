package kosync

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/shelfsync/shelfsync-server/internal/errors"
)

// Argon2id parameters sized for a self-hosted service. The key being
// hashed is already an md5 digest, so the cost mainly throttles online
// guessing against the exposed port.
const (
	argonMemory  = 64 * 1024
	argonTime    = 3
	argonThreads = 4
	argonSaltLen = 16
	argonKeyLen  = 32

	maxKeyLength = 256
)

// hashKey derives an argon2id hash of a sync key in the standard
// $argon2id$ encoded form.
func hashKey(key string) (string, error) {
	if key == "" {
		return "", errors.InvalidData("empty sync key")
	}
	if len(key) > maxKeyLength {
		return "", errors.InvalidData("sync key too long")
	}

	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, errors.KindFatal, "generate salt")
	}
	hash := argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// verifyKey checks a sync key against a stored encoded hash. Malformed
// hashes verify as false rather than erroring, so the response to a bad
// credential never depends on why it was bad.
func verifyKey(encoded, key string) bool {
	if len(key) > maxKeyLength {
		return false
	}

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}
	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	test := argon2.IDKey([]byte(key), salt, iterations, memory, threads, uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, test) == 1
}
