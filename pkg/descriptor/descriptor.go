// Package descriptor builds the on-disk descriptor artifact (C4): the
// canonical-bencoded info-dict plus creation time and optional trackers,
// and computes the ContentId as the hex SHA-1 of the info-dict bytes.
// Grounded on pkg/content/manifest.go's BuildManifestFromFile/
// ComputeManifestCID pattern (chunk the source, hash, wrap with metadata).
package descriptor

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kotormodsync/dcc/pkg/bencode"
	"github.com/kotormodsync/dcc/pkg/dcerrors"
	"github.com/kotormodsync/dcc/pkg/piece"
)

// Descriptor is the parsed form of a built descriptor.
type Descriptor struct {
	ContentId     string
	InfoDictBytes []byte // canonical-bencoded info-dict, the bytes hashed for ContentId
	FullBytes     []byte // canonical-bencoded outer dict, the bytes written to disk
	Name          string
	Length        int64
	PieceLength   int64
	PieceHashes   []byte
	ContentSHA256 string
	CreationDate  int64
	Trackers      []string
}

// BuildOptions configures descriptor construction.
type BuildOptions struct {
	FilePath      string
	AdvertisedName string
	PieceLength   int64 // 0 selects automatically, per §3
	Trackers      []string
}

// Build reads filePath, computes piece hashes and content SHA-256, and
// assembles a Descriptor. It is pure given (file bytes, AdvertisedName): the
// filename participates in the info-dict, so renaming the same bytes
// produces a different ContentId (§4.4, collision-resistance tests S2/S3).
func Build(opts BuildOptions) (*Descriptor, error) {
	if opts.FilePath == "" {
		return nil, dcerrors.NewInvalidArgument("file path is required")
	}
	name := opts.AdvertisedName
	if name == "" {
		name = filepath.Base(opts.FilePath)
	}

	info, err := os.Stat(opts.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dcerrors.NewSourceMissing(opts.FilePath)
		}
		return nil, dcerrors.NewIoError(opts.FilePath, err)
	}

	hashResult, err := piece.HashFile(opts.FilePath)
	if err != nil {
		return nil, err
	}

	pieceLength := opts.PieceLength
	if pieceLength == 0 {
		pieceLength = hashResult.PieceLength
	}

	infoDict := bencode.Dict{
		"length":       bencode.Int(info.Size()),
		"name":         bencode.Bytes(name),
		"piece length": bencode.Int(pieceLength),
		"pieces":       bencode.Bytes(hashResult.PieceHashes),
		"private":      bencode.Int(0),
	}

	infoBytes, err := bencode.Marshal(infoDict)
	if err != nil {
		return nil, err
	}

	sum := sha1.Sum(infoBytes)
	contentId := hex.EncodeToString(sum[:])

	creation := time.Now().Unix()
	outer := bencode.Dict{
		"creation date": bencode.Int(creation),
		"info":          infoDict,
	}
	if len(opts.Trackers) > 0 {
		list := make(bencode.List, len(opts.Trackers))
		for i, t := range opts.Trackers {
			list[i] = bencode.Bytes(t)
		}
		outer["announce-list"] = list
		outer["announce"] = bencode.Bytes(opts.Trackers[0])
	}

	fullBytes, err := bencode.Marshal(outer)
	if err != nil {
		return nil, err
	}

	return &Descriptor{
		ContentId:     contentId,
		InfoDictBytes: infoBytes,
		FullBytes:     fullBytes,
		Name:          name,
		Length:        info.Size(),
		PieceLength:   pieceLength,
		PieceHashes:   hashResult.PieceHashes,
		ContentSHA256: hashResult.ContentSHA256,
		CreationDate:  creation,
		Trackers:      opts.Trackers,
	}, nil
}

// WriteAtomic writes the descriptor's full bytes to destPath using a
// temp-file-then-rename sequence so a crash mid-write never leaves a
// partially-written descriptor on disk.
func (d *Descriptor) WriteAtomic(destPath string) error {
	dir := filepath.Dir(destPath)
	tmp, err := os.CreateTemp(dir, ".descriptor-*.tmp")
	if err != nil {
		return dcerrors.NewIoError(destPath, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(d.FullBytes); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return dcerrors.NewIoError(destPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return dcerrors.NewIoError(destPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return dcerrors.NewIoError(destPath, err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return dcerrors.NewIoError(destPath, err)
	}
	return nil
}

// Load reads and strictly decodes a descriptor file previously written by
// WriteAtomic, recomputing the ContentId from the decoded info-dict bytes
// so it is reproducible from descriptor bytes alone (§6 contract b).
func Load(path string) (*Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dcerrors.NewSourceMissing(path)
		}
		return nil, dcerrors.NewIoError(path, err)
	}

	val, err := bencode.Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	outer, ok := val.(bencode.Dict)
	if !ok {
		return nil, dcerrors.NewInvalidCanonicalForm("descriptor top level is not a dict")
	}
	infoVal, ok := outer["info"]
	if !ok {
		return nil, dcerrors.NewInvalidCanonicalForm("descriptor missing info dict")
	}
	infoDict, ok := infoVal.(bencode.Dict)
	if !ok {
		return nil, dcerrors.NewInvalidCanonicalForm("descriptor info is not a dict")
	}

	infoBytes, err := bencode.Marshal(infoDict)
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum(infoBytes)

	name, _ := infoDict["name"].(bencode.Bytes)
	length, _ := infoDict["length"].(bencode.Int)
	pieceLength, _ := infoDict["piece length"].(bencode.Int)
	pieces, _ := infoDict["pieces"].(bencode.Bytes)
	creation, _ := outer["creation date"].(bencode.Int)

	var trackers []string
	if list, ok := outer["announce-list"].(bencode.List); ok {
		for _, item := range list {
			if b, ok := item.(bencode.Bytes); ok {
				trackers = append(trackers, string(b))
			}
		}
	}

	return &Descriptor{
		ContentId:     hex.EncodeToString(sum[:]),
		InfoDictBytes: infoBytes,
		FullBytes:     raw,
		Name:          string(name),
		Length:        int64(length),
		PieceLength:   int64(pieceLength),
		PieceHashes:   []byte(pieces),
		CreationDate:  int64(creation),
		Trackers:      trackers,
	}, nil
}

// Validate checks §3 invariant (a): ContentId is 40 lowercase hex chars.
func Validate(contentId string) error {
	if len(contentId) != 40 {
		return dcerrors.NewInvalidArgument(fmt.Sprintf("content id must be 40 hex chars, got %d", len(contentId)))
	}
	for _, c := range contentId {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return dcerrors.NewInvalidArgument(fmt.Sprintf("content id contains non-hex-lowercase char %q", c))
		}
	}
	return nil
}
