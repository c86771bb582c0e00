package misc

import "regexp"

var versionTagPattern = regexp.MustCompile(`^v[0-9]+$`)

// IsVersionTag reports whether s matches the key version grammar "v<integer>".
func IsVersionTag(s string) bool {
	return versionTagPattern.MatchString(s)
}
