package coordinator

// Wildcard matches any agent id on one side of a route rule.
const Wildcard = "*"

// Route allows direct messages from one agent to another. Either side may
// be the wildcard.
type Route struct {
	From string `koanf:"from" json:"from"`
	To   string `koanf:"to" json:"to"`
}

// Policy decides which direct-message routes are authorized.
type Policy struct {
	// DefaultAllow permits any route not covered by a rule.
	DefaultAllow bool `koanf:"default_allow" json:"default_allow"`

	// Routes are checked in order; the first match allows the message.
	Routes []Route `koanf:"routes" json:"routes"`
}

// Allows reports whether a message from one agent to another is authorized.
func (p Policy) Allows(from, to string) bool {
	for _, r := range p.Routes {
		if (r.From == Wildcard || r.From == from) && (r.To == Wildcard || r.To == to) {
			return true
		}
	}
	return p.DefaultAllow
}

// HubAndSpokePolicy is the default orchestration policy: the hub role may
// message any agent, any agent may message the hub, and every other route
// is denied. This is a trust-boundary choice; deployments override it via
// configuration.
func HubAndSpokePolicy(hub string) Policy {
	return Policy{
		DefaultAllow: false,
		Routes: []Route{
			{From: hub, To: Wildcard},
			{From: Wildcard, To: hub},
		},
	}
}

// AllowAllPolicy permits every route. For tests and trusted deployments.
func AllowAllPolicy() Policy {
	return Policy{DefaultAllow: true}
}
