// Package version reports the build version of the bridge.
package version

import "github.com/Masterminds/semver/v3"

// Version is overridden at build time:
//
//	go build -ldflags "-X github.com/Mindburn-Labs/aobridge/pkg/version.Version=1.2.3"
var Version = "0.1.0"

// Satisfies reports whether v meets the semver constraint.
func Satisfies(constraint, v string) (bool, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, err
	}
	sv, err := semver.NewVersion(v)
	if err != nil {
		return false, err
	}
	return c.Check(sv), nil
}
