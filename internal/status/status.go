// Package status decodes raw status payloads into ServerStatus records.
//
// Decoding is a pure function of its input: the same payload always yields
// an equal ServerStatus. All text taken from a payload is untrusted; it is
// sanitized before it is stored and must only ever be treated as data.
package status

import (
	serrors "github.com/anstrom/serverseeker/internal/errors"
	"github.com/anstrom/serverseeker/internal/protocol"
)

// Software names reported by DetectSoftware.
const (
	SoftwareVanilla    = "vanilla"
	SoftwarePaper      = "paper"
	SoftwareSpigot     = "spigot"
	SoftwareBukkit     = "bukkit"
	SoftwarePurpur     = "purpur"
	SoftwareForge      = "forge"
	SoftwareFabric     = "fabric"
	SoftwareVelocity   = "velocity"
	SoftwareBungeeCord = "bungeecord"
	SoftwareWaterfall  = "waterfall"
	SoftwareUnknown    = "unknown"
)

// Players holds the player counts a server advertises.
type Players struct {
	Online int
	Max    int
	// Sample lists advertised player names; nil when the server sent none.
	Sample []string
}

// ServerStatus is a decoded status response. It is immutable once built.
type ServerStatus struct {
	Variant         protocol.Variant
	ProtocolVersion int32
	VersionName     string
	Software        string

	// MOTD is the description flattened to plain text with formatting
	// codes and control characters removed.
	MOTD string
	// MOTDRaw is the description as received: the JSON value for modern
	// servers and the text field for legacy ones.
	MOTDRaw string

	// Players is nil when the response carried no player counts.
	Players *Players
	// Favicon holds the decoded PNG bytes; nil when absent or unreadable.
	Favicon []byte

	Warnings []string
}

// Decode parses raw according to the protocol variant that produced it.
// Every failure is a *errors.ScanError with CodeDecodeFailed.
func Decode(variant protocol.Variant, raw []byte) (*ServerStatus, error) {
	switch variant {
	case protocol.VariantModern:
		return DecodeModern(raw)
	case protocol.VariantLegacy:
		return DecodeLegacy(string(raw))
	default:
		return nil, serrors.NewScanError(serrors.CodeDecodeFailed, "unknown protocol variant "+variant.String())
	}
}

func decodeError(message string, err error) error {
	if err == nil {
		return serrors.NewScanError(serrors.CodeDecodeFailed, message)
	}
	return serrors.WrapScanError(serrors.CodeDecodeFailed, message, err)
}
