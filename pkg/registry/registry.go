package registry

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"lukechampine.com/blake3"
)

// EvictionPolicy decides whether a candidate record should be skipped
// during LRU eviction. Left as a hook per the base spec's open question 1
// (whether TrustLevel should block eviction) rather than hard-coding either
// answer.
type EvictionPolicy interface {
	ShouldSkip(r *ResourceMetadata) bool
}

// DefaultEvictionPolicy never skips a record: pure LRU by LastVerified.
type DefaultEvictionPolicy struct{}

func (DefaultEvictionPolicy) ShouldSkip(*ResourceMetadata) bool { return false }

// NeverEvictVerifiedPolicy protects Verified records from eviction.
type NeverEvictVerifiedPolicy struct{}

func (NeverEvictVerifiedPolicy) ShouldSkip(r *ResourceMetadata) bool {
	return r.TrustLevel == TrustVerified
}

// Registry is the dual-keyed resource metadata store. All mutations are
// serialized through a single writer lock; readers take RLock and receive
// cloned snapshots, so no reader ever observes a torn record (§5).
type Registry struct {
	mu   sync.RWMutex
	byMH map[string]*ResourceMetadata // MetadataHash -> record
	byCI map[string]*ResourceMetadata // ContentId -> record

	approxSize int64 // sum of FileSize across records with a known ContentId

	// handlerBlobs deduplicates HandlerMetadata blobs across records: many
	// providers advertising the same mod emit byte-identical handler
	// metadata, so records share one map instance keyed by its blake3
	// digest instead of each holding its own copy.
	handlerBlobs map[[32]byte]map[string]HandlerValue
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byMH: make(map[string]*ResourceMetadata),
		byCI: make(map[string]*ResourceMetadata),
	}
}

// UpsertByMetadata creates or updates a record keyed by MetadataHash. A new
// record's ContentKey is set to MetadataHash (§4.5).
func (reg *Registry) UpsertByMetadata(metadataHash string, provider ProviderRecord) *ResourceMetadata {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	now := time.Now()
	existing, ok := reg.byMH[metadataHash]
	if !ok {
		existing = &ResourceMetadata{
			ContentKey:   metadataHash,
			MetadataHash: metadataHash,
			FirstSeen:    now,
			LastVerified: now,
			Files:        make(map[string]FilePresence),
			sources:      make(map[string]struct{}),
		}
		reg.byMH[metadataHash] = existing
	}

	existing.PrimaryUrl = provider.URL
	existing.FileSize = provider.AdvertisedSize
	existing.LastVerified = now
	if len(provider.HandlerMetadata) > 0 {
		existing.HandlerMetadata = reg.internHandlerMetadataLocked(provider.HandlerMetadata)
	}

	return existing.Clone()
}

// internHandlerMetadataLocked returns the canonical shared instance for a
// HandlerMetadata blob, keyed by its blake3 digest (a fast, non-cryptographic
// content hash used purely as a map-key accelerator here — not a trust
// signal). Callers must already hold reg.mu for writing.
func (reg *Registry) internHandlerMetadataLocked(hm map[string]HandlerValue) map[string]HandlerValue {
	digest := handlerMetadataDigest(hm)
	if reg.handlerBlobs == nil {
		reg.handlerBlobs = make(map[[32]byte]map[string]HandlerValue)
	}
	if existing, ok := reg.handlerBlobs[digest]; ok {
		return existing
	}
	reg.handlerBlobs[digest] = hm
	return hm
}

// handlerMetadataDigest encodes a HandlerMetadata blob in sorted-key order
// and hashes it with blake3, giving two byte-identical blobs (e.g. the same
// mod description re-advertised by two mirrors) the same digest regardless
// of map iteration order.
func handlerMetadataDigest(hm map[string]HandlerValue) [32]byte {
	var buf bytes.Buffer
	encodeHandlerMetadataForDigest(&buf, hm)
	return blake3.Sum256(buf.Bytes())
}

func encodeHandlerMetadataForDigest(buf *bytes.Buffer, hm map[string]HandlerValue) {
	keys := make([]string, 0, len(hm))
	for k := range hm {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(buf, "%d:%s=", len(k), k)
		encodeHandlerValueForDigest(buf, hm[k])
	}
}

func encodeHandlerValueForDigest(buf *bytes.Buffer, v HandlerValue) {
	switch v.Kind {
	case "string":
		fmt.Fprintf(buf, "s%d:%s;", len(v.Str), v.Str)
	case "integer":
		fmt.Fprintf(buf, "i%d;", v.Int)
	case "boolean":
		fmt.Fprintf(buf, "b%t;", v.Bool)
	case "bytes":
		fmt.Fprintf(buf, "x%d:%x;", len(v.Bytes), v.Bytes)
	case "nested":
		buf.WriteString("n{")
		encodeHandlerMetadataForDigest(buf, v.Nested)
		buf.WriteString("};")
	default:
		buf.WriteString("?;")
	}
}

// UpgradeToContentId performs the atomic pre->post-download rekey (§4.5).
// If a record already exists at contentId, the two are merged: union of
// Files, max TrustLevel, later LastVerified wins, union of corroborating
// sources, keeping the earlier FirstSeen of the two records (the earliest
// observation of these bytes under any key).
func (reg *Registry) UpgradeToContentId(metadataHash, contentId, contentSHA256 string) *ResourceMetadata {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	src, ok := reg.byMH[metadataHash]
	if !ok {
		src = &ResourceMetadata{
			MetadataHash: metadataHash,
			FirstSeen:    time.Now(),
			Files:        make(map[string]FilePresence),
			sources:      make(map[string]struct{}),
		}
	}

	src.ContentId = contentId
	src.ContentHashSHA256 = contentSHA256
	src.ContentKey = contentId

	if dst, exists := reg.byCI[contentId]; exists {
		merged := mergeRecords(dst, src)
		reg.byCI[contentId] = merged
		delete(reg.byMH, metadataHash)
		return merged.Clone()
	}

	reg.byCI[contentId] = src
	delete(reg.byMH, metadataHash)
	return src.Clone()
}

// mergeRecords merges two records believed to describe the same content,
// per §4.5's merge rule: union Files, max TrustLevel, prefer later
// LastVerified, preserve the earliest FirstSeen.
func mergeRecords(dst, src *ResourceMetadata) *ResourceMetadata {
	merged := dst.Clone()

	if merged.Files == nil {
		merged.Files = make(map[string]FilePresence)
	}
	for k, v := range src.Files {
		key := normalizeFilename(k)
		if existing, ok := merged.Files[key]; !ok || existing == FileUnknown {
			merged.Files[key] = v
		}
	}

	if src.TrustLevel > merged.TrustLevel {
		merged.TrustLevel = src.TrustLevel
	}

	if src.LastVerified.After(merged.LastVerified) {
		merged.LastVerified = src.LastVerified
	}

	if src.FirstSeen.Before(merged.FirstSeen) {
		merged.FirstSeen = src.FirstSeen
	}

	if merged.sources == nil {
		merged.sources = make(map[string]struct{})
	}
	for s := range src.sources {
		merged.sources[s] = struct{}{}
	}

	if merged.HandlerMetadata == nil && src.HandlerMetadata != nil {
		merged.HandlerMetadata = make(map[string]HandlerValue, len(src.HandlerMetadata))
		for k, v := range src.HandlerMetadata {
			merged.HandlerMetadata[k] = v
		}
	}

	if merged.ContentHashSHA256 == "" {
		merged.ContentHashSHA256 = src.ContentHashSHA256
	}
	if merged.FileSize == 0 {
		merged.FileSize = src.FileSize
	}
	if merged.PieceLength == 0 {
		merged.PieceLength = src.PieceLength
		merged.PieceHashes = append([]byte(nil), src.PieceHashes...)
	}

	return merged
}

// Lookup tries ContentId first, then MetadataHash (§4.5).
func (reg *Registry) Lookup(key string) (*ResourceMetadata, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	if r, ok := reg.byCI[key]; ok {
		return r.Clone(), true
	}
	if r, ok := reg.byMH[key]; ok {
		return r.Clone(), true
	}
	return nil, false
}

// ObserveMapping records that sourceTag corroborates the MetadataHash ->
// ContentId mapping, elevating TrustLevel per §4.5. Any distinct non-equal
// source tag counts (open question 3: no trusted/untrusted weighting).
func (reg *Registry) ObserveMapping(metadataHash, contentId, sourceTag string) *ResourceMetadata {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rec, ok := reg.byCI[contentId]
	if !ok {
		rec, ok = reg.byMH[metadataHash]
	}
	if !ok {
		rec = &ResourceMetadata{
			ContentKey:   metadataHash,
			MetadataHash: metadataHash,
			ContentId:    contentId,
			FirstSeen:    time.Now(),
			Files:        make(map[string]FilePresence),
			sources:      make(map[string]struct{}),
		}
		reg.byMH[metadataHash] = rec
	}

	if rec.sources == nil {
		rec.sources = make(map[string]struct{})
	}
	before := len(rec.sources)
	rec.sources[sourceTag] = struct{}{}
	after := len(rec.sources)

	switch {
	case after > before && rec.TrustLevel == TrustUnverified:
		rec.TrustLevel = TrustObservedOnce
	case after >= 2 && rec.TrustLevel < TrustVerified:
		rec.TrustLevel = TrustVerified
	}

	return rec.Clone()
}

// MarkShareActive flips the idle bookkeeping evict_lru uses; a share that
// has joined the swarm (or is seeding) is not idle.
func (reg *Registry) MarkShareActive(key string, active bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.byCI[key]; ok {
		r.shareActive = active
		return
	}
	if r, ok := reg.byMH[key]; ok {
		r.shareActive = active
	}
}

// EvictLRU drops idle records, oldest LastVerified first, until the sum of
// FileSize across remaining ContentId-keyed records is under maxBytes.
// policy may veto eviction of individual candidates (open question 1).
func (reg *Registry) EvictLRU(maxBytes int64, policy EvictionPolicy) []string {
	if policy == nil {
		policy = DefaultEvictionPolicy{}
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	var total int64
	for _, r := range reg.byCI {
		total += r.FileSize
	}

	if total <= maxBytes {
		return nil
	}

	candidates := make([]*ResourceMetadata, 0, len(reg.byCI))
	for _, r := range reg.byCI {
		if r.shareActive {
			continue
		}
		candidates = append(candidates, r)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastVerified.Before(candidates[j].LastVerified)
	})

	var evicted []string
	for _, r := range candidates {
		if total <= maxBytes {
			break
		}
		if policy.ShouldSkip(r) {
			continue
		}
		delete(reg.byCI, r.ContentId)
		total -= r.FileSize
		evicted = append(evicted, r.ContentId)
	}

	return evicted
}

// Size returns the number of distinct records currently held (by either key).
func (reg *Registry) Size() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	seen := make(map[*ResourceMetadata]struct{}, len(reg.byMH)+len(reg.byCI))
	for _, r := range reg.byMH {
		seen[r] = struct{}{}
	}
	for _, r := range reg.byCI {
		seen[r] = struct{}{}
	}
	return len(seen)
}

// SetFilePresence records the tri-state presence of a filename on a record,
// normalizing through the single registry-boundary case-fold function.
func (reg *Registry) SetFilePresence(key, filename string, presence FilePresence) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.byCI[key]
	if !ok {
		r, ok = reg.byMH[key]
	}
	if !ok {
		return
	}
	if r.Files == nil {
		r.Files = make(map[string]FilePresence)
	}
	r.Files[normalizeFilename(filename)] = presence
}
