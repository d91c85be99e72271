package status

import (
	"encoding/base64"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/anstrom/serverseeker/internal/errors"
	"github.com/anstrom/serverseeker/internal/protocol"
)

func TestDecodeModernMinimal(t *testing.T) {
	raw := []byte(`{"version":{"protocol":758},"description":"Hello","players":{"online":3,"max":10}}`)

	st, err := Decode(protocol.VariantModern, raw)
	require.NoError(t, err)

	assert.Equal(t, protocol.VariantModern, st.Variant)
	assert.Equal(t, int32(758), st.ProtocolVersion)
	assert.Equal(t, "Hello", st.MOTD)
	assert.Equal(t, `"Hello"`, st.MOTDRaw)
	require.NotNil(t, st.Players)
	assert.Equal(t, 3, st.Players.Online)
	assert.Equal(t, 10, st.Players.Max)
	assert.Nil(t, st.Players.Sample)
	assert.Nil(t, st.Favicon)
	assert.Contains(t, st.Warnings, "version name missing")
}

func TestDecodeModernFull(t *testing.T) {
	icon := []byte{0x89, 'P', 'N', 'G'}
	raw := []byte(`{
		"version": {"name": "Paper 1.20.4", "protocol": 765},
		"players": {"online": 2, "max": 50, "sample": [
			{"name": "§aAlice", "id": "4566e69f-c907-48ee-8d71-d7ba5aa00d20"},
			{"name": "", "id": "00000000-0000-0000-0000-000000000000"},
			{"name": "Bob", "id": "5566e69f-c907-48ee-8d71-d7ba5aa00d20"}
		]},
		"description": {"text": "§6Welcome ", "extra": [{"text": "to "}, {"text": "the server", "bold": true}]},
		"favicon": "data:image/png;base64,` + base64.StdEncoding.EncodeToString(icon) + `"
	}`)

	st, err := DecodeModern(raw)
	require.NoError(t, err)

	assert.Equal(t, "Paper 1.20.4", st.VersionName)
	assert.Equal(t, SoftwarePaper, st.Software)
	assert.Equal(t, "Welcome to the server", st.MOTD)
	assert.Equal(t, []string{"Alice", "Bob"}, st.Players.Sample)
	assert.Equal(t, icon, st.Favicon)
	assert.Empty(t, st.Warnings)
}

func TestDecodeModernTolerance(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantWarning string
		check       func(t *testing.T, st *ServerStatus)
	}{
		{
			name: "no players",
			raw:  `{"version":{"name":"1.8.9","protocol":47},"description":"hi"}`,
			check: func(t *testing.T, st *ServerStatus) {
				assert.Nil(t, st.Players)
				assert.Equal(t, SoftwareVanilla, st.Software)
			},
		},
		{
			name:        "players without max",
			raw:         `{"version":{"name":"1.8.9","protocol":47},"description":"hi","players":{"online":1}}`,
			wantWarning: "player counts incomplete",
			check: func(t *testing.T, st *ServerStatus) {
				assert.Nil(t, st.Players)
			},
		},
		{
			name:        "favicon not a data uri",
			raw:         `{"version":{"name":"1.8.9","protocol":47},"description":"hi","favicon":"http://example.com/x.png"}`,
			wantWarning: "favicon is not a PNG data URI",
			check: func(t *testing.T, st *ServerStatus) {
				assert.Nil(t, st.Favicon)
			},
		},
		{
			name: "forge metadata",
			raw:  `{"version":{"name":"1.12.2","protocol":340},"description":"hi","modinfo":{"type":"FML","modList":[]}}`,
			check: func(t *testing.T, st *ServerStatus) {
				assert.Equal(t, SoftwareForge, st.Software)
			},
		},
		{
			name: "translate component and array description",
			raw:  `{"version":{"name":"x","protocol":1},"description":[{"translate":"multiplayer.status"},"\u0007 ok"]}`,
			check: func(t *testing.T, st *ServerStatus) {
				assert.Equal(t, "multiplayer.status ok", st.MOTD)
				assert.Equal(t, SoftwareUnknown, st.Software)
			},
		},
		{
			name:        "max players beyond int32",
			raw:         `{"version":{"name":"1.20.4","protocol":765},"description":"hi","players":{"online":1,"max":5000000000}}`,
			wantWarning: "player counts out of range",
			check: func(t *testing.T, st *ServerStatus) {
				assert.Nil(t, st.Players)
			},
		},
		{
			name: "negative online count within int32",
			raw:  `{"version":{"name":"1.20.4","protocol":765},"description":"hi","players":{"online":-1,"max":20}}`,
			check: func(t *testing.T, st *ServerStatus) {
				require.NotNil(t, st.Players)
				assert.Equal(t, -1, st.Players.Online)
				assert.Equal(t, 20, st.Players.Max)
			},
		},
		{
			name: "invalid utf-8 in description",
			raw:  "{\"version\":{\"name\":\"1.20.4\",\"protocol\":765},\"description\":{\"text\":\"caf\xe9\"}}",
			check: func(t *testing.T, st *ServerStatus) {
				assert.Equal(t, "caf\uFFFD", st.MOTD)
				assert.True(t, utf8.ValidString(st.MOTDRaw))
				assert.Contains(t, st.MOTDRaw, "caf\uFFFD")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := DecodeModern([]byte(tt.raw))
			require.NoError(t, err)
			if tt.wantWarning != "" {
				assert.Contains(t, st.Warnings, tt.wantWarning)
			}
			tt.check(t, st)
		})
	}
}

func TestDecodeModernRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `hello`},
		{"missing version", `{"description":"hi"}`},
		{"missing protocol", `{"version":{"name":"1.8"},"description":"hi"}`},
		{"missing description", `{"version":{"protocol":47}}`},
		{"null description", `{"version":{"protocol":47},"description":null}`},
		{"protocol is a string", `{"version":{"protocol":"47"},"description":"hi"}`},
		{"description is a number", `{"version":{"protocol":47},"description":5}`},
		{"online is a string", `{"version":{"protocol":47},"description":"hi","players":{"online":"1","max":2}}`},
		{"favicon is an object", `{"version":{"protocol":47},"description":"hi","favicon":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeModern([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, serrors.IsCode(err, serrors.CodeDecodeFailed), "got %v", err)
		})
	}
}

func TestDecodeRejectsDeepNesting(t *testing.T) {
	raw := `{"version":{"protocol":47},"description":`
	for i := 0; i < 40; i++ {
		raw += `{"extra":[`
	}
	raw += `"x"`
	for i := 0; i < 40; i++ {
		raw += `]}`
	}
	raw += `}`

	_, err := DecodeModern([]byte(raw))
	assert.True(t, serrors.IsCode(err, serrors.CodeDecodeFailed), "got %v", err)
}

func TestDecodeLegacy(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		wantVersion int32
		wantName    string
		wantMOTD    string
		wantPlayers *Players
	}{
		{
			name:        "five fields",
			text:        "§1\x007\x00A Minecraft Server\x0020\x00100",
			wantVersion: 7,
			wantMOTD:    "A Minecraft Server",
			wantPlayers: &Players{Online: 20, Max: 100},
		},
		{
			name:        "six fields",
			text:        "§1\x0061\x001.5.2\x00§cOld Server\x005\x0020",
			wantVersion: 61,
			wantName:    "1.5.2",
			wantMOTD:    "Old Server",
			wantPlayers: &Players{Online: 5, Max: 20},
		},
		{
			name:        "trailing counts omitted",
			text:        "§1\x0061\x001.5.2\x00Short",
			wantVersion: 61,
			wantName:    "1.5.2",
			wantMOTD:    "Short",
		},
		{
			name:        "beta format",
			text:        "A §aColoured§r Server§3§12",
			wantMOTD:    "A Coloured Server",
			wantPlayers: &Players{Online: 3, Max: 12},
		},
		{
			name:     "beta format without counts",
			text:     "Just a motd",
			wantMOTD: "Just a motd",
		},
		{
			name:        "counts beyond int32",
			text:        "§1\x0061\x001.5.2\x00Big\x001\x005000000000",
			wantVersion: 61,
			wantName:    "1.5.2",
			wantMOTD:    "Big",
		},
		{
			name:     "counts beyond int64",
			text:     "Huge§1§99999999999999999999",
			wantMOTD: "Huge",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := Decode(protocol.VariantLegacy, []byte(tt.text))
			require.NoError(t, err)
			assert.Equal(t, protocol.VariantLegacy, st.Variant)
			assert.Equal(t, tt.wantVersion, st.ProtocolVersion)
			assert.Equal(t, tt.wantName, st.VersionName)
			assert.Equal(t, tt.wantMOTD, st.MOTD)
			assert.Equal(t, tt.wantPlayers, st.Players)
			if tt.wantPlayers == nil {
				assert.NotEmpty(t, st.Warnings)
			}
		})
	}
}

func TestDecodeLegacyRejects(t *testing.T) {
	for _, text := range []string{
		"§1\x0061\x001.5.2",
		"§1\x00abc\x001.5.2\x00motd\x001\x002",
	} {
		_, err := DecodeLegacy(text)
		require.Error(t, err)
		assert.True(t, serrors.IsCode(err, serrors.CodeDecodeFailed))
	}
}

func TestDecodeIsIdempotent(t *testing.T) {
	payloads := []struct {
		variant protocol.Variant
		raw     string
	}{
		{protocol.VariantModern, `{"version":{"name":"Spigot 1.19","protocol":759},"description":{"text":"a","extra":["b"]},"players":{"online":1,"max":2,"sample":[{"name":"c"}]}}`},
		{protocol.VariantLegacy, "§1\x0047\x001.8\x00motd\x001\x002"},
		{protocol.VariantLegacy, "motd§1§2"},
	}

	for _, p := range payloads {
		first, err := Decode(p.variant, []byte(p.raw))
		require.NoError(t, err)
		second, err := Decode(p.variant, []byte(p.raw))
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}

func TestDetectSoftware(t *testing.T) {
	tests := []struct {
		version string
		modded  bool
		want    string
	}{
		{"1.20.1", false, SoftwareVanilla},
		{"1.8", false, SoftwareVanilla},
		{"Paper 1.20.4", false, SoftwarePaper},
		{"Purpur 1.19", false, SoftwarePurpur},
		{"Spigot 1.16.5", false, SoftwareSpigot},
		{"CraftBukkit 1.12", false, SoftwareBukkit},
		{"Velocity 3.2.0", false, SoftwareVelocity},
		{"BungeeCord 1.8.x-1.20.x", false, SoftwareBungeeCord},
		{"Waterfall 1.20", false, SoftwareWaterfall},
		{"fabric-loader 1.20", false, SoftwareFabric},
		{"1.12.2", true, SoftwareForge},
		{"Requires 1.8+", false, SoftwareUnknown},
		{"", false, SoftwareUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectSoftware(tt.version, tt.modded))
		})
	}
}

func TestCleanText(t *testing.T) {
	assert.Equal(t, "Red and bold", cleanText("§cRed §land bold§r"))
	assert.Equal(t, "line one\nline two", cleanText(" line one\nline two\t"))
	assert.Equal(t, "bell", cleanText("b\x07ell"))
	assert.Equal(t, "", cleanText("§"))
	assert.Equal(t, "caf\uFFFD", cleanText("caf\xe9"))
}

func TestDecodeLegacyInvalidUTF8(t *testing.T) {
	st, err := Decode(protocol.VariantLegacy, []byte("§1\x0061\x001.5.2\x00caf\xe9\x001\x0020"))
	require.NoError(t, err)
	assert.Equal(t, "caf\uFFFD", st.MOTD)
	assert.Equal(t, "caf\uFFFD", st.MOTDRaw)
	assert.True(t, utf8.ValidString(st.MOTDRaw))
}
