package profile

import (
	"fmt"
	"regexp"
)

// Profile names become directory names under ~/.wtfsync/profiles, so
// keep them to a safe lowercase charset and a sane length.
const namePattern = `^[a-z0-9_-]{1,64}$`

var nameRe = regexp.MustCompile(namePattern)

func ValidateName(name string) error {
	if nameRe.MatchString(name) {
		return nil
	}
	return fmt.Errorf("invalid profile name %q: must match %s", name, namePattern)
}
