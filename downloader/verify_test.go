package downloader

import (
	"testing"

	"github.com/spf13/afero"

	"github.com/Johnny-Darko/WabbaDownloader/internal"
)

func writeMemFile(t *testing.T, fs afero.Fs, path string, data []byte) {
	t.Helper()
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyAcceptsMatchingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMemFile(t, fs, "/dl/alpha.7z", seqBytes(500))

	v := NewVerifier(fs)
	if err := v.Verify("/dl/alpha.7z", 500, "Y5pHDm5Nn5k="); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestVerifyRejectsWrongSizeWithoutHashing(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMemFile(t, fs, "/dl/alpha.7z", seqBytes(499))

	v := NewVerifier(fs)
	err := v.Verify("/dl/alpha.7z", 500, "Y5pHDm5Nn5k=")
	if !internal.IsKind(err, internal.ErrSizeMismatch) {
		t.Errorf("error = %v, want size mismatch", err)
	}
}

func TestVerifyRejectsCorruptContent(t *testing.T) {
	payload := seqBytes(500)
	payload[250] ^= 0xFF
	fs := afero.NewMemMapFs()
	writeMemFile(t, fs, "/dl/alpha.7z", payload)

	v := NewVerifier(fs)
	err := v.Verify("/dl/alpha.7z", 500, "Y5pHDm5Nn5k=")
	if !internal.IsKind(err, internal.ErrHashMismatch) {
		t.Errorf("error = %v, want hash mismatch", err)
	}
}

func TestVerifyMissingFile(t *testing.T) {
	v := NewVerifier(afero.NewMemMapFs())
	err := v.Verify("/dl/absent.7z", 500, "Y5pHDm5Nn5k=")
	if !internal.IsKind(err, internal.ErrIO) {
		t.Errorf("error = %v, want io", err)
	}
}

func TestVerifyDoesNotModifyFile(t *testing.T) {
	payload := seqBytes(500)
	payload[0] ^= 0xFF
	fs := afero.NewMemMapFs()
	writeMemFile(t, fs, "/dl/alpha.7z", payload)

	v := NewVerifier(fs)
	v.Verify("/dl/alpha.7z", 500, "Y5pHDm5Nn5k=")

	data, err := afero.ReadFile(fs, "/dl/alpha.7z")
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 500 || data[0] != payload[0] {
		t.Error("verifier modified the file")
	}
}
