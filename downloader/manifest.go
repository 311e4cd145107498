package downloader

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/Johnny-Darko/WabbaDownloader/internal"
)

// modlistMember is the JSON document stored inside the modlist container.
const modlistMember = "modlist"

// nexusStateType marks archives hosted on the mod service this tool can
// fetch from. Archives with other downloader states are skipped.
const nexusStateType = "NexusDownloader, Wabbajack.Lib"

type modlistDocument struct {
	Name     string          `json:"Name"`
	Archives []archiveRecord `json:"Archives"`
}

type archiveRecord struct {
	Name  string       `json:"Name"`
	Size  int64        `json:"Size"`
	Hash  string       `json:"Hash"`
	State archiveState `json:"State"`
}

type archiveState struct {
	Type     string `json:"$type"`
	GameName string `json:"GameName"`
	FileID   int64  `json:"FileID"`
}

// ParseManifest reads a modlist container (a zip holding a "modlist" JSON
// member) and returns the entries hosted on the supported mod service, in
// manifest order. Parsing has no side effects, so the same input always
// yields the same entries.
func ParseManifest(r io.ReaderAt, size int64) ([]internal.ManifestEntry, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, internal.WrapError(internal.ErrMalformedManifest, err, "open modlist container")
	}

	var member *zip.File
	for _, f := range zr.File {
		if f.Name == modlistMember {
			member = f
			break
		}
	}
	if member == nil {
		return nil, internal.NewError(internal.ErrMalformedManifest, "container has no %q member", modlistMember)
	}

	rc, err := member.Open()
	if err != nil {
		return nil, internal.WrapError(internal.ErrMalformedManifest, err, "open %q member", modlistMember)
	}
	defer rc.Close()

	var doc modlistDocument
	if err := json.NewDecoder(rc).Decode(&doc); err != nil {
		return nil, internal.WrapError(internal.ErrMalformedManifest, err, "decode modlist json")
	}

	entries := make([]internal.ManifestEntry, 0, len(doc.Archives))
	seen := make(map[string]bool, len(doc.Archives))
	for i, rec := range doc.Archives {
		if rec.State.Type != nexusStateType {
			continue
		}
		entry, err := buildEntry(i, rec)
		if err != nil {
			return nil, err
		}
		// Modlists occasionally reference the same hosted file twice.
		if seen[entry.ID] {
			continue
		}
		seen[entry.ID] = true
		entries = append(entries, entry)
	}
	return entries, nil
}

// ParseManifestFile opens path on fs and parses it.
func ParseManifestFile(fs afero.Fs, path string) ([]internal.ManifestEntry, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, internal.WrapError(internal.ErrIO, err, "open modlist %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, internal.WrapError(internal.ErrIO, err, "stat modlist %s", path)
	}
	ra, ok := f.(io.ReaderAt)
	if !ok {
		return nil, internal.NewError(internal.ErrIO, "modlist %s does not support random access", path)
	}
	return ParseManifest(ra, info.Size())
}

func buildEntry(index int, rec archiveRecord) (internal.ManifestEntry, error) {
	switch {
	case rec.Name == "":
		return internal.ManifestEntry{}, internal.NewError(internal.ErrInvalidEntry,
			"archive %d: missing file name", index)
	case rec.Size <= 0:
		return internal.ManifestEntry{}, internal.NewError(internal.ErrInvalidEntry,
			"archive %d (%s): size must be positive, got %d", index, rec.Name, rec.Size)
	case rec.Hash == "":
		return internal.ManifestEntry{}, internal.NewError(internal.ErrInvalidEntry,
			"archive %d (%s): missing hash", index, rec.Name)
	case rec.State.GameName == "":
		return internal.ManifestEntry{}, internal.NewError(internal.ErrInvalidEntry,
			"archive %d (%s): missing game name", index, rec.Name)
	case rec.State.FileID <= 0:
		return internal.ManifestEntry{}, internal.NewError(internal.ErrInvalidEntry,
			"archive %d (%s): invalid file id %d", index, rec.Name, rec.State.FileID)
	}

	// Destination paths are relative to the download root; reject anything
	// that would escape it.
	rel := filepath.Clean(filepath.FromSlash(rec.Name))
	if rel == "." || filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return internal.ManifestEntry{}, internal.NewError(internal.ErrInvalidEntry,
			"archive %d: unusable file name %q", index, rec.Name)
	}

	return internal.ManifestEntry{
		ID:          fmt.Sprintf("%s/%d", strings.ToLower(rec.State.GameName), rec.State.FileID),
		DisplayName: filepath.Base(rel),
		RelPath:     rel,
		Size:        rec.Size,
		Hash:        rec.Hash,
		GameName:    rec.State.GameName,
		FileID:      rec.State.FileID,
	}, nil
}
