package model

// Direct is the rule and proxy name used when a backend reports no chain.
const Direct = "DIRECT"

// A chain lists proxy hops outermost first: chains[0] is the egress proxy that
// carried the traffic, chains[len-1] is the rule (or group) that selected it.

// FinalProxyOf returns the egress proxy of a chain.
func FinalProxyOf(chains []string) string {
	if len(chains) == 0 || chains[0] == "" {
		return Direct
	}
	return chains[0]
}

// RuleOf returns the originating rule of a chain.
func RuleOf(chains []string) string {
	if len(chains) == 0 || chains[len(chains)-1] == "" {
		return Direct
	}
	return chains[len(chains)-1]
}
