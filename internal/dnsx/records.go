package dnsx

import (
	"fmt"
	"strings"
)

// SPFRecord is the parsed form of a v=spf1 TXT record.
type SPFRecord struct {
	Raw        string
	Mechanisms []string // in record order, qualifiers preserved
	All        string   // qualifier of the all mechanism: +, -, ~, ? or ""
}

// ParseSPF parses a TXT string as SPF. Returns (nil, false) when the
// string is not an SPF record at all.
func ParseSPF(txt string) (*SPFRecord, bool) {
	trimmed := strings.TrimSpace(txt)
	if !strings.HasPrefix(strings.ToLower(trimmed), "v=spf1") {
		return nil, false
	}
	rec := &SPFRecord{Raw: trimmed}
	for _, field := range strings.Fields(trimmed)[1:] {
		low := strings.ToLower(field)
		if strings.HasSuffix(low, "all") && len(low) <= 4 {
			switch {
			case strings.HasPrefix(low, "-"):
				rec.All = "-"
			case strings.HasPrefix(low, "~"):
				rec.All = "~"
			case strings.HasPrefix(low, "?"):
				rec.All = "?"
			default:
				rec.All = "+"
			}
			continue
		}
		rec.Mechanisms = append(rec.Mechanisms, field)
	}
	return rec, true
}

// DKIMRecord is the parsed form of a selector._domainkey TXT record.
type DKIMRecord struct {
	Version   string // v=DKIM1
	KeyType   string // k=rsa
	PublicKey string // p=<base64>, empty means revoked
	Flags     string // t=
	Notes     string // n=
}

// ParseDKIMRecord parses a DKIM TXT record of the form
// "v=DKIM1; k=rsa; p=<base64>".
func ParseDKIMRecord(txt string) (*DKIMRecord, error) {
	rec := &DKIMRecord{}
	seen := false
	for _, part := range strings.Split(txt, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.Index(part, "=")
		if eq < 1 {
			return nil, fmt.Errorf("dnsx: malformed DKIM tag %q", part)
		}
		key := strings.ToLower(strings.TrimSpace(part[:eq]))
		val := strings.TrimSpace(part[eq+1:])
		seen = true
		switch key {
		case "v":
			if !strings.EqualFold(val, "DKIM1") {
				return nil, fmt.Errorf("dnsx: unsupported DKIM version %q", val)
			}
			rec.Version = "DKIM1"
		case "k":
			rec.KeyType = strings.ToLower(val)
		case "p":
			// Whitespace may be interleaved in long TXT strings
			rec.PublicKey = strings.Map(func(r rune) rune {
				if r == ' ' || r == '\t' {
					return -1
				}
				return r
			}, val)
		case "t":
			rec.Flags = val
		case "n":
			rec.Notes = val
		}
	}
	if !seen {
		return nil, fmt.Errorf("dnsx: empty DKIM record")
	}
	if rec.Version == "" {
		rec.Version = "DKIM1"
	}
	if rec.KeyType == "" {
		rec.KeyType = "rsa"
	}
	return rec, nil
}

// String serialises the record back to canonical TXT form. Parse→String
// →Parse is stable.
func (r *DKIMRecord) String() string {
	parts := []string{"v=" + r.Version, "k=" + r.KeyType}
	if r.Flags != "" {
		parts = append(parts, "t="+r.Flags)
	}
	if r.Notes != "" {
		parts = append(parts, "n="+r.Notes)
	}
	parts = append(parts, "p="+r.PublicKey)
	return strings.Join(parts, "; ")
}

// DMARCRecord is the parsed form of a _dmarc TXT record.
type DMARCRecord struct {
	Raw             string
	Policy          string // p=: none, quarantine, reject
	SubdomainPolicy string // sp=
	Percent         int    // pct=, defaults to 100
	RUA             string // rua=
	RUF             string // ruf=
}

// ParseDMARC parses a TXT string as DMARC. Returns (nil, false) when the
// string is not a DMARC record.
func ParseDMARC(txt string) (*DMARCRecord, bool) {
	trimmed := strings.TrimSpace(txt)
	if !strings.HasPrefix(strings.ToLower(trimmed), "v=dmarc1") {
		return nil, false
	}
	rec := &DMARCRecord{Raw: trimmed, Percent: 100}
	for _, part := range strings.Split(trimmed, ";") {
		part = strings.TrimSpace(part)
		eq := strings.Index(part, "=")
		if eq < 1 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(part[:eq]))
		val := strings.TrimSpace(part[eq+1:])
		switch key {
		case "p":
			rec.Policy = strings.ToLower(val)
		case "sp":
			rec.SubdomainPolicy = strings.ToLower(val)
		case "pct":
			var pct int
			if _, err := fmt.Sscanf(val, "%d", &pct); err == nil && pct >= 0 && pct <= 100 {
				rec.Percent = pct
			}
		case "rua":
			rec.RUA = val
		case "ruf":
			rec.RUF = val
		}
	}
	return rec, true
}

// FindSPF scans a TXT record set for the SPF record.
func FindSPF(txts []string) (*SPFRecord, bool) {
	for _, t := range txts {
		if rec, ok := ParseSPF(t); ok {
			return rec, true
		}
	}
	return nil, false
}

// FindDMARC scans a TXT record set for the DMARC record.
func FindDMARC(txts []string) (*DMARCRecord, bool) {
	for _, t := range txts {
		if rec, ok := ParseDMARC(t); ok {
			return rec, true
		}
	}
	return nil, false
}
