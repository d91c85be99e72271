package status

import (
	"errors"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/anstrom/serverseeker/internal/protocol"
)

const (
	legacyMarker    = "§1"
	legacyDelimiter = "\x00"
	// Pre-1.4 replies are "motd§online§max".
	betaDelimiter = "§"
)

// DecodeLegacy decodes the text of a legacy kick reply.
//
// The 1.4+ reply is "§1", protocol, version, motd, online and max joined by
// NUL. Replies with five fields carry no version name and replies with four
// stop after the motd; missing trailing counts are recorded as absent. Older
// servers answer "motd§online§max".
func DecodeLegacy(text string) (*ServerStatus, error) {
	if strings.HasPrefix(text, legacyMarker+legacyDelimiter) {
		return decodeExtendedLegacy(text)
	}
	return decodeBetaLegacy(text), nil
}

func decodeExtendedLegacy(text string) (*ServerStatus, error) {
	fields := strings.Split(text, legacyDelimiter)
	if len(fields) < 4 {
		return nil, decodeError("legacy reply has "+strconv.Itoa(len(fields))+" fields", nil)
	}

	version, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil {
		return nil, decodeError("legacy reply has invalid protocol version", err)
	}

	st := &ServerStatus{
		Variant:         protocol.VariantLegacy,
		ProtocolVersion: int32(version),
	}

	var motd string
	var counts []string
	switch len(fields) {
	case 4:
		st.VersionName = cleanText(fields[2])
		motd = fields[3]
	case 5:
		motd = fields[2]
		counts = fields[3:5]
		st.Warnings = append(st.Warnings, "version name missing")
	default:
		st.VersionName = cleanText(fields[2])
		motd = fields[3]
		counts = fields[4:6]
		if len(fields) > 6 {
			st.Warnings = append(st.Warnings, "legacy reply has trailing fields")
		}
	}

	st.MOTDRaw = strings.ToValidUTF8(motd, string(utf8.RuneError))
	st.MOTD = cleanText(motd)
	st.Players, st.Warnings = legacyPlayers(counts, st.Warnings)
	st.Software = DetectSoftware(st.VersionName, false)
	return st, nil
}

func decodeBetaLegacy(text string) *ServerStatus {
	st := &ServerStatus{Variant: protocol.VariantLegacy}

	motd := text
	var counts []string
	if i := strings.LastIndex(text, betaDelimiter); i >= 0 {
		if j := strings.LastIndex(text[:i], betaDelimiter); j >= 0 {
			motd = text[:j]
			counts = []string{text[j+len(betaDelimiter) : i], text[i+len(betaDelimiter):]}
		}
	}

	st.MOTDRaw = strings.ToValidUTF8(motd, string(utf8.RuneError))
	st.MOTD = cleanText(motd)
	st.Players, st.Warnings = legacyPlayers(counts, st.Warnings)
	st.Software = SoftwareUnknown
	return st
}

func legacyPlayers(counts []string, warnings []string) (*Players, []string) {
	if len(counts) != 2 {
		return nil, append(warnings, "player counts missing")
	}
	online, err1 := strconv.ParseInt(strings.TrimSpace(counts[0]), 10, 64)
	limit, err2 := strconv.ParseInt(strings.TrimSpace(counts[1]), 10, 64)
	if err1 != nil || err2 != nil {
		if errors.Is(err1, strconv.ErrRange) || errors.Is(err2, strconv.ErrRange) {
			return nil, append(warnings, "player counts out of range")
		}
		return nil, append(warnings, "player counts are not numbers")
	}
	if !inInt32(online) || !inInt32(limit) {
		return nil, append(warnings, "player counts out of range")
	}
	return &Players{Online: int(online), Max: int(limit)}, warnings
}
