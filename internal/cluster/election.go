package cluster

// Elect picks the leader among a set of peer endpoints: the
// lexicographically smallest endpoint string. Every replica that sees
// the same reachable set elects the same leader without any exchange.
func Elect(endpoints []string) string {
	leader := ""
	for _, ep := range endpoints {
		if ep == "" {
			continue
		}
		if leader == "" || ep < leader {
			leader = ep
		}
	}
	return leader
}
