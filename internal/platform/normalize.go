package platform

import "strings"

// familyMap maps the ID_LIKE style family strings gopsutil reports, and a
// few distro IDs that report no family, to canonical families.
var familyMap = map[string]string{
	"debian":   FamilyDebian,
	"ubuntu":   FamilyDebian,
	"rhel":     FamilyRHEL,
	"centos":   FamilyRHEL,
	"rocky":    FamilyRHEL,
	"fedora":   FamilyFedora,
	"bazzite":  FamilyFedora,
	"suse":     FamilySUSE,
	"opensuse": FamilySUSE,
	"arch":     FamilyArch,
	"manjaro":  FamilyArch,
	"steamos":  FamilyArch,
	"alpine":   FamilyAlpine,
}

// normalizeArch maps GOARCH and uname spellings onto one name. Unknown
// architectures are passed through lowercased; rombox runs anywhere Go does.
func normalizeArch(arch string) string {
	switch a := strings.ToLower(strings.TrimSpace(arch)); a {
	case "amd64", "x86_64":
		return "amd64"
	case "arm64", "aarch64":
		return "arm64"
	case "386", "i386", "i686":
		return "386"
	default:
		return a
	}
}

func normalizeID(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// mapFamily resolves a family, falling back to the distro id itself.
func mapFamily(family, distro string) string {
	if canonical, ok := familyMap[normalizeID(family)]; ok {
		return canonical
	}
	if canonical, ok := familyMap[normalizeID(distro)]; ok {
		return canonical
	}
	return FamilyUnknown
}
