package downloader

import (
	"github.com/spf13/afero"

	"github.com/Johnny-Darko/WabbaDownloader/internal"
	"github.com/Johnny-Darko/WabbaDownloader/utils"
)

// Verifier checks downloaded files against their manifest size and
// checksum. It reads only; callers act on the verdict.
type Verifier struct {
	fs afero.Fs
}

// NewVerifier builds a verifier over fs. A nil fs means the OS filesystem.
func NewVerifier(fs afero.Fs) *Verifier {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Verifier{fs: fs}
}

// Verify streams path once and compares against the expected size and
// checksum. The size check runs first so an obviously truncated or oversized
// file is rejected without hashing it.
func (v *Verifier) Verify(path string, expectedSize int64, expectedHash string) error {
	info, err := v.fs.Stat(path)
	if err != nil {
		return internal.WrapError(internal.ErrIO, err, "stat %s", path)
	}
	if info.Size() != expectedSize {
		return internal.NewError(internal.ErrSizeMismatch,
			"%s is %d bytes, expected %d", path, info.Size(), expectedSize)
	}

	f, err := v.fs.Open(path)
	if err != nil {
		return internal.WrapError(internal.ErrIO, err, "open %s", path)
	}
	defer f.Close()

	sum, err := utils.HashReader(f)
	if err != nil {
		return internal.WrapError(internal.ErrIO, err, "hash %s", path)
	}
	if sum != expectedHash {
		return internal.NewError(internal.ErrHashMismatch,
			"%s checksum %s, expected %s", path, sum, expectedHash)
	}
	return nil
}
