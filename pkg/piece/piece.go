// Package piece implements the piece-length planner and the integrity
// hasher (C2/C3): choosing a piece length and streaming a whole-file
// SHA-256 alongside one SHA-1 per piece, following the sequential buffered
// read loop this codebase uses for chunking (pkg/content/chunker.go) and
// for reconstructed-file verification (pkg/content/integrity.go).
package piece

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/kotormodsync/dcc/pkg/config"
	"github.com/kotormodsync/dcc/pkg/dcerrors"
)

// HashSize is the size in bytes of a single piece's SHA-1 digest.
const HashSize = sha1.Size // 20

// PlanPieceLength chooses the smallest candidate piece length such that
// ceil(fileSize / pieceLength) <= MaxPieceCount, falling back to
// FallbackPieceLength when no candidate satisfies the bound.
func PlanPieceLength(fileSize int64) int64 {
	if fileSize <= 0 {
		return config.PieceLengthCandidates[0]
	}
	for _, candidate := range config.PieceLengthCandidates {
		pieceCount := (fileSize + candidate - 1) / candidate
		if pieceCount <= config.MaxPieceCount {
			return candidate
		}
	}
	return config.FallbackPieceLength
}

// Result is the output of hashing a file: the whole-file SHA-256, the
// piece length used, and the concatenated per-piece SHA-1 digests.
type Result struct {
	ContentSHA256 string
	PieceLength   int64
	PieceHashes   []byte // concatenation of SHA-1(20 bytes) per piece, in order
}

// PieceHashesHex returns the hex encoding of the concatenated piece hashes.
func (r Result) PieceHashesHex() string {
	return hex.EncodeToString(r.PieceHashes)
}

// PieceCount returns the number of pieces represented by PieceHashes.
func (r Result) PieceCount() int {
	return len(r.PieceHashes) / HashSize
}

// HashFile reads path sequentially in piece-sized chunks, computing a
// streaming SHA-256 over the whole file and one SHA-1 per piece. It is
// deterministic: repeated calls on the same bytes produce the same Result.
func HashFile(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, dcerrors.NewSourceMissing(path)
		}
		return Result{}, dcerrors.NewIoError(path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Result{}, dcerrors.NewIoError(path, err)
	}

	pieceLength := PlanPieceLength(info.Size())

	whole := sha256.New()
	var pieceHashes []byte

	buf := make([]byte, pieceLength)
	pieceHash := sha1.New()

	for {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			whole.Write(buf[:n])
			pieceHash.Reset()
			pieceHash.Write(buf[:n])
			pieceHashes = append(pieceHashes, pieceHash.Sum(nil)...)
		}
		if readErr == io.EOF {
			break
		}
		if readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return Result{}, dcerrors.NewIoError(path, readErr)
		}
	}

	return Result{
		ContentSHA256: hex.EncodeToString(whole.Sum(nil)),
		PieceLength:   pieceLength,
		PieceHashes:   pieceHashes,
	}, nil
}
