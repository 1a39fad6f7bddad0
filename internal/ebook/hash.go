package ebook

import (
	"crypto/md5" //nolint:gosec // KOReader document ids are md5 by protocol
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/shelfsync/shelfsync-server/internal/errors"
)

// PartialMD5 computes KOReader's fast document digest: 1024-byte samples
// read at offsets 1024*4^i for i in -1..10, where the i=-1 shift
// underflows to offset 0. Sampling stops at the first offset past EOF.
func PartialMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, errors.KindNotFound, "open %s", filepath.Base(path))
	}
	defer f.Close()

	h := md5.New() //nolint:gosec
	buf := make([]byte, 1024)
	for i := -1; i <= 10; i++ {
		var offset int64
		if i >= 0 {
			offset = 1024 << (2 * i)
		}
		n, err := f.ReadAt(buf, offset)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", errors.Wrapf(err, errors.KindInvalidData, "read %s at %d", filepath.Base(path), offset)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FilenameMD5 hashes just the base filename. KOReader installs configured
// with filename-based document ids produce this instead of the content
// digest.
func FilenameMD5(path string) string {
	sum := md5.Sum([]byte(filepath.Base(path))) //nolint:gosec
	return hex.EncodeToString(sum[:])
}
