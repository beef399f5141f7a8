package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// ComputeMetadataHash hashes a normalized provider record (URL, provider
// tag, advertised filename, advertised size) into the short-term lookup
// key used before bytes are in hand (§3).
func ComputeMetadataHash(p ProviderRecord) string {
	h := sha256.New()
	h.Write([]byte("url:"))
	h.Write([]byte(p.URL))
	h.Write([]byte("\x00provider:"))
	h.Write([]byte(p.ProviderTag))
	h.Write([]byte("\x00name:"))
	h.Write([]byte(p.AdvertisedName))
	h.Write([]byte("\x00size:"))
	h.Write([]byte(strconv.FormatInt(p.AdvertisedSize, 10)))
	return hex.EncodeToString(h.Sum(nil))
}
