package registry

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/kotormodsync/dcc/pkg/dcerrors"
)

// snapshotSchemaVersion is bumped on breaking layout change (§3).
const snapshotSchemaVersion = 1

// snapshotRecord is the CBOR-serializable form of ResourceMetadata, encoded
// with the same canonical-mode codec this codebase uses elsewhere
// (pkg/codec/cborcanon), generalized from a single-struct marshal to a
// registry snapshot file.
type snapshotRecord struct {
	ContentKey        string            `cbor:"content_key"`
	ContentId         string            `cbor:"content_id"`
	ContentHashSHA256 string            `cbor:"content_sha256"`
	MetadataHash      string            `cbor:"metadata_hash"`
	PrimaryUrl        string            `cbor:"primary_url"`
	FileSize          int64             `cbor:"file_size"`
	PieceLength       int64             `cbor:"piece_length"`
	PieceHashes       []byte            `cbor:"piece_hashes"`
	Files             map[string]int    `cbor:"files"`
	FirstSeen         int64             `cbor:"first_seen_unix_ms"`
	LastVerified      int64             `cbor:"last_verified_unix_ms"`
	TrustLevel        int               `cbor:"trust_level"`
}

type snapshot struct {
	SchemaVersion int              `cbor:"schema_version"`
	Records       []snapshotRecord `cbor:"records"`
}

var canonicalMode = mustCanonicalMode()

func mustCanonicalMode() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}

func toSnapshotRecord(r *ResourceMetadata) snapshotRecord {
	files := make(map[string]int, len(r.Files))
	for k, v := range r.Files {
		files[k] = int(v)
	}
	return snapshotRecord{
		ContentKey:        r.ContentKey,
		ContentId:         r.ContentId,
		ContentHashSHA256: r.ContentHashSHA256,
		MetadataHash:      r.MetadataHash,
		PrimaryUrl:        r.PrimaryUrl,
		FileSize:          r.FileSize,
		PieceLength:       r.PieceLength,
		PieceHashes:       r.PieceHashes,
		Files:             files,
		FirstSeen:         r.FirstSeen.UnixMilli(),
		LastVerified:      r.LastVerified.UnixMilli(),
		TrustLevel:        int(r.TrustLevel),
	}
}

func fromSnapshotRecord(s snapshotRecord) *ResourceMetadata {
	files := make(map[string]FilePresence, len(s.Files))
	for k, v := range s.Files {
		files[k] = FilePresence(v)
	}
	return &ResourceMetadata{
		ContentKey:        s.ContentKey,
		ContentId:         s.ContentId,
		ContentHashSHA256: s.ContentHashSHA256,
		MetadataHash:      s.MetadataHash,
		PrimaryUrl:        s.PrimaryUrl,
		FileSize:          s.FileSize,
		PieceLength:       s.PieceLength,
		PieceHashes:       s.PieceHashes,
		Files:             files,
		FirstSeen:         time.UnixMilli(s.FirstSeen),
		LastVerified:      time.UnixMilli(s.LastVerified),
		SchemaVersion:     snapshotSchemaVersion,
		TrustLevel:        TrustLevel(s.TrustLevel),
		sources:           make(map[string]struct{}),
	}
}

// SaveSnapshot writes the registry's current records to path atomically.
func (reg *Registry) SaveSnapshot(path string) error {
	reg.mu.RLock()
	snap := snapshot{SchemaVersion: snapshotSchemaVersion}
	seen := make(map[*ResourceMetadata]struct{})
	for _, r := range reg.byCI {
		seen[r] = struct{}{}
	}
	for _, r := range reg.byMH {
		seen[r] = struct{}{}
	}
	for r := range seen {
		snap.Records = append(snap.Records, toSnapshotRecord(r))
	}
	reg.mu.RUnlock()

	data, err := canonicalMode.Marshal(snap)
	if err != nil {
		return dcerrors.NewIoError(path, err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return dcerrors.NewIoError(path, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return dcerrors.NewIoError(path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return dcerrors.NewIoError(path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return dcerrors.NewIoError(path, err)
	}
	return nil
}

// LoadSnapshot returns a new Registry populated with the records read from
// path.
// A missing file is not an error: a fresh registry has no snapshot yet.
func LoadSnapshot(path string) (*Registry, error) {
	reg := New()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, dcerrors.NewIoError(path, err)
	}

	var snap snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, dcerrors.NewIoError(path, err)
	}

	for _, sr := range snap.Records {
		rec := fromSnapshotRecord(sr)
		if rec.ContentId != "" {
			reg.byCI[rec.ContentId] = rec
		} else if rec.MetadataHash != "" {
			reg.byMH[rec.MetadataHash] = rec
		}
	}

	return reg, nil
}
