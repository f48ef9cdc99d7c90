// Package manifest holds the ordered list of assets seeded into the cache at
// install time.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid asset manifest")

var defaultAssets = []string{
	"/index.html",
	"/packages.html",
	"/destinations.html",
	"/itinerary.html",
	"/blog.html",
	"/about.html",
	"/contact.html",
	"/faq.html",
	"/assets/css/style.css",
	"/assets/js/components.js",
	"/assets/js/app.js",
	"/assets/js/pages.js",
	"/assets/img/logo.svg",
	"/assets/img/favicon.svg",
	"/assets/img/placeholder.svg",
}

// Default returns the built-in manifest. The slice is a fresh copy.
func Default() []string {
	return append([]string(nil), defaultAssets...)
}

type file struct {
	Assets []string `yaml:"assets"`
}

// Load reads a YAML manifest of the form:
//
//	assets:
//	  - /index.html
//	  - /assets/css/style.css
func Load(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) ([]string, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	assets := make([]string, 0, len(f.Assets))
	for _, a := range f.Assets {
		assets = append(assets, strings.TrimSpace(a))
	}
	if err := Validate(assets); err != nil {
		return nil, err
	}
	return assets, nil
}

// Validate requires a non-empty list of absolute, unique paths. Duplicates
// are rejected because seeding must write each request exactly once.
func Validate(assets []string) error {
	if len(assets) == 0 {
		return fmt.Errorf("%w: no assets", ErrInvalid)
	}
	seen := make(map[string]struct{}, len(assets))
	for _, a := range assets {
		if !strings.HasPrefix(a, "/") || strings.HasPrefix(a, "//") {
			return fmt.Errorf("%w: %q is not an absolute path", ErrInvalid, a)
		}
		if _, ok := seen[a]; ok {
			return fmt.Errorf("%w: duplicate asset %q", ErrInvalid, a)
		}
		seen[a] = struct{}{}
	}
	return nil
}

// Contains reports whether path is listed.
func Contains(assets []string, path string) bool {
	for _, a := range assets {
		if a == path {
			return true
		}
	}
	return false
}
