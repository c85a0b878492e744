// Package hostutil extracts a tunnel id from a public request's Host
// header.
package hostutil

import (
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/tunneld/tunneld/internal/netutil"
)

// Extractor derives a tunnel id from a normalized host. An empty return
// value means host does not address a tunnel at all (control-plane
// traffic).
type Extractor func(host string) string

// NewExtractor builds an Extractor. If baseDomain is non-empty, hosts
// under *.baseDomain resolve to their leftmost label, and hosts equal to or
// outside baseDomain are not tunnel hosts (empty result). With no
// baseDomain, public-suffix-aware extraction is used instead. *.localhost
// resolves to its leftmost label regardless of baseDomain, since local
// development never configures one.
func NewExtractor(baseDomain string) Extractor {
	baseDomain = strings.ToLower(strings.TrimSuffix(baseDomain, "."))

	return func(rawHost string) string {
		host := netutil.NormalizeHost(rawHost)
		if host == "" {
			return ""
		}

		if label, ok := localhostLabel(host); ok {
			return label
		}

		if baseDomain != "" {
			label, _ := stripBaseDomain(host, baseDomain)
			return label
		}

		return publicSuffixLabel(host)
	}
}

func localhostLabel(host string) (string, bool) {
	const suffix = ".localhost"
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	label, _, _ := strings.Cut(host[:len(host)-len(suffix)], ".")
	if label == "" {
		return "", false
	}
	return label, true
}

func stripBaseDomain(host, baseDomain string) (string, bool) {
	if host == baseDomain {
		return "", true
	}
	suffix := "." + baseDomain
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	label := host[:len(host)-len(suffix)]
	if label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return label, true
}

func publicSuffixLabel(host string) string {
	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	if host == registrable {
		return ""
	}
	suffix := "." + registrable
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	label := host[:len(host)-len(suffix)]
	if label == "" || strings.Contains(label, ".") {
		return ""
	}
	return label
}
