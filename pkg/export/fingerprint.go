package export

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/polisai/geoexport/pkg/domain"
)

const canonicalVersion = "v1"

// Canonical returns the order-independent serialization that is hashed into a
// fingerprint. Coordinates keep 6 decimals (~0.1 m), radius keeps 2.
func Canonical(req domain.ExportRequest) string {
	n := req.Normalized()

	var b strings.Builder
	b.WriteString(canonicalVersion)
	b.WriteString("|lat=")
	b.WriteString(fixed(n.Lat, 6))
	b.WriteString("|lon=")
	b.WriteString(fixed(n.Lon, 6))
	b.WriteString("|radius=")
	b.WriteString(fixed(n.Radius, 2))
	b.WriteString("|mode=")
	b.WriteString(string(n.Mode))
	b.WriteString("|projection=")
	b.WriteString(string(n.Projection))
	b.WriteString("|layers=")
	b.WriteString(strings.Join(n.LayerNames(), ","))
	return b.String()
}

// Fingerprint returns the hex SHA-256 digest of Canonical(req).
func Fingerprint(req domain.ExportRequest) string {
	sum := sha256.Sum256([]byte(Canonical(req)))
	return hex.EncodeToString(sum[:])
}

// fixed formats v with prec decimals and folds negative zero into zero.
func fixed(v float64, prec int) string {
	s := strconv.FormatFloat(v, 'f', prec, 64)
	if strings.HasPrefix(s, "-") && strings.Trim(s[1:], "0.") == "" {
		return s[1:]
	}
	return s
}
