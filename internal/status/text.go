package status

import (
	"regexp"
	"strings"
	"unicode"
)

const formattingPrefix = '§'

var releaseVersion = regexp.MustCompile(`^1\.\d+(\.\d+)?$`)

// cleanText strips formatting codes and control characters and trims
// surrounding space. Newlines survive because multi-line MOTDs use them.
func cleanText(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))

	skip := false
	for _, r := range s {
		switch {
		case skip:
			skip = false
		case r == formattingPrefix:
			skip = true
		case r == '\n':
			sb.WriteRune(r)
		case unicode.IsControl(r):
		default:
			sb.WriteRune(r)
		}
	}
	return strings.TrimSpace(sb.String())
}

// softwareMarkers is checked in order; proxies and forks come before the
// projects they are built on.
var softwareMarkers = []struct {
	marker   string
	software string
}{
	{"velocity", SoftwareVelocity},
	{"waterfall", SoftwareWaterfall},
	{"bungeecord", SoftwareBungeeCord},
	{"purpur", SoftwarePurpur},
	{"paper", SoftwarePaper},
	{"spigot", SoftwareSpigot},
	{"bukkit", SoftwareBukkit},
	{"forge", SoftwareForge},
	{"fml", SoftwareForge},
	{"fabric", SoftwareFabric},
}

// DetectSoftware guesses the server implementation from its version name.
// modded forces forge when the status carried Forge mod metadata.
func DetectSoftware(versionName string, modded bool) string {
	name := strings.ToLower(versionName)
	for _, m := range softwareMarkers {
		if strings.Contains(name, m.marker) {
			return m.software
		}
	}
	if modded {
		return SoftwareForge
	}
	if releaseVersion.MatchString(strings.TrimSpace(versionName)) {
		return SoftwareVanilla
	}
	return SoftwareUnknown
}
