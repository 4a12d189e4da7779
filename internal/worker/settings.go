package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"swcache/internal/strategy"
)

// Settings is the deployable part of the configuration. Any change to it
// produces a different version token.
type Settings struct {
	// Name is the store-name family, e.g. "site".
	Name string
	// Version tags the store names. Bumping it purges the previous stores on activation.
	Version string
	// Build identifies the deployment. Changing it alone installs a new
	// version that keeps the current stores.
	Build       string
	OfflinePage string
	Precache    []string
	Strategies  strategy.Table
}

// StaticStore is the store filled at install time.
func (s Settings) StaticStore() string { return s.Name + "-static-" + s.Version }

// RuntimeStore is the store filled while serving requests.
func (s Settings) RuntimeStore() string { return s.Name + "-runtime-" + s.Version }

// Token is the version identity: the first 12 hex digits of a SHA-256 over
// everything a version's behavior depends on.
func (s Settings) Token() string {
	h := sha256.New()
	fmt.Fprintf(h, "build=%s\n", s.Build)
	fmt.Fprintf(h, "static=%s\nruntime=%s\n", s.StaticStore(), s.RuntimeStore())
	fmt.Fprintf(h, "offline=%s\n", s.OfflinePage)
	fmt.Fprintf(h, "precache=%s\n", strings.Join(s.Precache, ","))
	for _, n := range strategy.Order {
		fmt.Fprintf(h, "%s=%s\n", n, strings.Join(s.Strategies.Patterns(n), "\x00"))
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}
