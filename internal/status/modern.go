package status

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/anstrom/serverseeker/internal/protocol"
)

const (
	faviconPrefix = "data:image/png;base64,"
	// maxComponentDepth bounds recursion through nested chat components.
	maxComponentDepth = 32
	maxSamplePlayers  = 64
)

type wireStatus struct {
	Version     *wireVersion    `json:"version"`
	Players     *wirePlayers    `json:"players"`
	Description json.RawMessage `json:"description"`
	Favicon     *string         `json:"favicon"`
	ModInfo     json.RawMessage `json:"modinfo"`
	ForgeData   json.RawMessage `json:"forgeData"`
}

type wireVersion struct {
	Name     *string `json:"name"`
	Protocol *int32  `json:"protocol"`
}

type wirePlayers struct {
	Online *int64       `json:"online"`
	Max    *int64       `json:"max"`
	Sample []wireSample `json:"sample"`
}

type wireSample struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// DecodeModern decodes a modern status JSON document. version.protocol and
// description are required; a field of the wrong type fails the decode.
// Missing players and favicon are recorded as absent.
func DecodeModern(raw []byte) (*ServerStatus, error) {
	var wire wireStatus
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, decodeError("invalid status document", err)
	}
	if wire.Version == nil || wire.Version.Protocol == nil {
		return nil, decodeError("status document has no version.protocol", nil)
	}
	if len(wire.Description) == 0 || bytes.Equal(wire.Description, []byte("null")) {
		return nil, decodeError("status document has no description", nil)
	}

	st := &ServerStatus{
		Variant:         protocol.VariantModern,
		ProtocolVersion: *wire.Version.Protocol,
	}

	if wire.Version.Name != nil {
		st.VersionName = cleanText(*wire.Version.Name)
	} else {
		st.Warnings = append(st.Warnings, "version name missing")
	}

	motd, err := flattenDescription(wire.Description)
	if err != nil {
		return nil, err
	}
	st.MOTD = motd
	st.MOTDRaw = strings.ToValidUTF8(compactJSON(wire.Description), string(utf8.RuneError))

	if wire.Players != nil {
		st.Players, st.Warnings = decodePlayers(wire.Players, st.Warnings)
	}

	if wire.Favicon != nil {
		icon, err := decodeFavicon(*wire.Favicon)
		if err != nil {
			st.Warnings = append(st.Warnings, err.Error())
		} else {
			st.Favicon = icon
		}
	}

	forge := len(wire.ModInfo) > 0 || len(wire.ForgeData) > 0
	st.Software = DetectSoftware(st.VersionName, forge)
	return st, nil
}

func decodePlayers(wp *wirePlayers, warnings []string) (*Players, []string) {
	if wp.Online == nil || wp.Max == nil {
		return nil, append(warnings, "player counts incomplete")
	}
	if !inInt32(*wp.Online) || !inInt32(*wp.Max) {
		return nil, append(warnings, "player counts out of range")
	}
	p := &Players{Online: int(*wp.Online), Max: int(*wp.Max)}
	for i, s := range wp.Sample {
		if i == maxSamplePlayers {
			warnings = append(warnings, fmt.Sprintf("player sample truncated to %d names", maxSamplePlayers))
			break
		}
		if name := cleanText(s.Name); name != "" {
			p.Sample = append(p.Sample, name)
		}
	}
	return p, warnings
}

func inInt32(n int64) bool {
	return n >= math.MinInt32 && n <= math.MaxInt32
}

func decodeFavicon(uri string) ([]byte, error) {
	if !strings.HasPrefix(uri, faviconPrefix) {
		return nil, errors.New("favicon is not a PNG data URI")
	}
	data := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' {
			return -1
		}
		return r
	}, uri[len(faviconPrefix):])
	icon, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("favicon: %w", err)
	}
	return icon, nil
}

// flattenDescription renders a description value, either a plain string or
// a chat component, as sanitized plain text.
func flattenDescription(raw json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", decodeError("invalid description", err)
	}
	switch v.(type) {
	case string, map[string]any, []any:
	default:
		return "", decodeError(fmt.Sprintf("description has invalid type %T", v), nil)
	}

	var sb strings.Builder
	if err := flattenComponent(&sb, v, 0); err != nil {
		return "", err
	}
	return cleanText(sb.String()), nil
}

func flattenComponent(sb *strings.Builder, v any, depth int) error {
	if depth > maxComponentDepth {
		return decodeError("description nests too deeply", nil)
	}
	switch c := v.(type) {
	case string:
		sb.WriteString(c)
	case float64, bool:
		fmt.Fprint(sb, c)
	case []any:
		for _, part := range c {
			if err := flattenComponent(sb, part, depth+1); err != nil {
				return err
			}
		}
	case map[string]any:
		if text, ok := c["text"].(string); ok {
			sb.WriteString(text)
		} else if key, ok := c["translate"].(string); ok {
			sb.WriteString(key)
		}
		if extra, ok := c["extra"].([]any); ok {
			for _, part := range extra {
				if err := flattenComponent(sb, part, depth+1); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
