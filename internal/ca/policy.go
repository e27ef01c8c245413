package ca

import (
	"crypto/x509"
	"sort"
	"strings"
)

// CSRNames extracts the set of DNS names a CSR asks for: the DNS SANs plus
// the subject common name if set. Names are lowercased, trimmed, deduplicated
// and sorted.
func CSRNames(csr *x509.CertificateRequest) []string {
	seen := make(map[string]struct{}, len(csr.DNSNames)+1)
	names := make([]string, 0, len(csr.DNSNames)+1)
	add := func(name string) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	add(csr.Subject.CommonName)
	for _, dnsName := range csr.DNSNames {
		add(dnsName)
	}
	sort.Strings(names)
	return names
}

// NameSetsEqual reports whether two name lists contain exactly the same
// names, ignoring case and order.
func NameSetsEqual(a, b []string) bool {
	normalize := func(in []string) []string {
		out := make([]string, 0, len(in))
		seen := make(map[string]struct{}, len(in))
		for _, name := range in {
			name = strings.ToLower(strings.TrimSpace(name))
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
		sort.Strings(out)
		return out
	}
	na, nb := normalize(a), normalize(b)
	if len(na) != len(nb) {
		return false
	}
	for i := range na {
		if na[i] != nb[i] {
			return false
		}
	}
	return true
}
