package synth

import (
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// Fixed namespace for name-based UIDs. Changing it would break idempotent
// re-runs against already-materialized studies.
var uidNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("cloud-dicom-downloader"))

// DeriveUID returns a DICOM UID for the given identity parts. The same
// parts always yield the same UID: the parts are hashed into a name-based
// (SHA-1) UUID which is rendered in the standard "2.25.<decimal>" form,
// the UUID-derived UID root from PS3.5 B.2.
func DeriveUID(parts ...string) string {
	u := uuid.NewSHA1(uidNamespace, []byte(strings.Join(parts, "/")))

	var n big.Int
	n.SetBytes(u[:])
	return "2.25." + n.String()
}

// NormalizeUID keeps an identifier that already is a valid DICOM UID and
// derives one otherwise. Portals sometimes expose real UIDs and sometimes
// arbitrary tokens; either way the result is deterministic.
func NormalizeUID(id string, parts ...string) string {
	if isValidUID(id) {
		return id
	}
	return DeriveUID(append(parts, id)...)
}

// isValidUID checks the PS3.5 UID grammar: dot-separated numeric
// components without leading zeros, at most 64 characters.
func isValidUID(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, comp := range strings.Split(s, ".") {
		if comp == "" {
			return false
		}
		if len(comp) > 1 && comp[0] == '0' {
			return false
		}
		for _, c := range comp {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}
