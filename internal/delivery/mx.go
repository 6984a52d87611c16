package delivery

import (
	"context"
	"math/rand"
	"sort"

	"github.com/ultrazend/ultrazend/internal/dnsx"
	"github.com/ultrazend/ultrazend/internal/domain"
)

// Target is one connectable MX candidate.
type Target struct {
	Host string // MX hostname, used for TLS SNI
	Addr string // resolved IP
}

// ResolveTargets returns delivery targets for a recipient domain in RFC
// 5321 order: ascending preference, equal preferences shuffled. A domain
// with no MX records falls back to its A/AAAA record (implicit MX 0).
func ResolveTargets(ctx context.Context, resolver dnsx.Resolver, rcptDomain string) ([]Target, error) {
	rcptDomain = domain.NormalizeDomain(rcptDomain)

	mxs, err := resolver.LookupMX(ctx, rcptDomain)
	if err != nil && !dnsx.IsNotFound(err) {
		return nil, err
	}

	var hosts []string
	if len(mxs) == 0 {
		hosts = []string{rcptDomain}
	} else {
		sort.SliceStable(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })
		// Shuffle within each preference tier
		for lo := 0; lo < len(mxs); {
			hi := lo + 1
			for hi < len(mxs) && mxs[hi].Pref == mxs[lo].Pref {
				hi++
			}
			tier := mxs[lo:hi]
			rand.Shuffle(len(tier), func(i, j int) { tier[i], tier[j] = tier[j], tier[i] })
			lo = hi
		}
		for _, mx := range mxs {
			hosts = append(hosts, domain.NormalizeDomain(mx.Host))
		}
	}

	var targets []Target
	for _, host := range hosts {
		addrs, err := resolver.LookupHost(ctx, host)
		if err != nil {
			continue // dead MX host; the next candidate may resolve
		}
		for _, addr := range addrs {
			targets = append(targets, Target{Host: host, Addr: addr})
		}
	}
	if len(targets) == 0 {
		return nil, dnsx.ErrNoRecords
	}
	return targets, nil
}
