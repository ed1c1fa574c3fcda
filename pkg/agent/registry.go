package agent

import (
	"fmt"
	"sort"
	"strings"
)

// Binding routes messages from a channel, optionally a single account on it,
// to an agent.
type Binding struct {
	AgentID   string `mapstructure:"agent_id" json:"agent_id"`
	Channel   string `mapstructure:"channel" json:"channel"`
	AccountID string `mapstructure:"account_id" json:"account_id,omitempty"`
}

// RouteInput identifies where an inbound message came from.
type RouteInput struct {
	Channel   string
	AccountID string
	ChatID    string
}

// Route is the resolved agent and session for an inbound message.
type Route struct {
	AgentID    string
	SessionKey string
	// MatchedBy is "account", "channel" or "default".
	MatchedBy string
}

// Registry holds the configured agents and their bindings.
type Registry struct {
	agents    map[string]*Instance
	defaultID string
	bindings  []Binding
}

// NewRegistry validates agents and bindings. defaultID may be empty, in
// which case the first agent is the default.
func NewRegistry(defaultID string, bindings []Binding, agents ...*Instance) (*Registry, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("at least one agent is required")
	}

	r := &Registry{agents: make(map[string]*Instance, len(agents))}
	for _, a := range agents {
		if err := a.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.agents[a.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id: %s", a.ID)
		}
		r.agents[a.ID] = a
	}

	if defaultID == "" {
		defaultID = agents[0].ID
	}
	if _, ok := r.agents[defaultID]; !ok {
		return nil, fmt.Errorf("default agent %s is not configured", defaultID)
	}
	r.defaultID = defaultID

	for _, b := range bindings {
		if _, ok := r.agents[b.AgentID]; !ok {
			return nil, fmt.Errorf("binding for channel %s references unknown agent %s", b.Channel, b.AgentID)
		}
		if b.Channel == "" {
			return nil, fmt.Errorf("binding for agent %s has no channel", b.AgentID)
		}
	}
	r.bindings = append(r.bindings, bindings...)
	return r, nil
}

// GetAgent returns the agent with id.
func (r *Registry) GetAgent(id string) (*Instance, bool) {
	a, ok := r.agents[id]
	return a, ok
}

// GetDefaultAgent returns the agent used when no binding matches.
func (r *Registry) GetDefaultAgent() *Instance {
	return r.agents[r.defaultID]
}

// ListAgentIDs returns the configured agent ids, sorted.
func (r *Registry) ListAgentIDs() []string {
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResolveRoute picks the agent for in. Account bindings win over channel
// bindings; the default agent handles everything else. The session key is
// agent:<id>:<channel>:<chat>.
func (r *Registry) ResolveRoute(in RouteInput) Route {
	route := Route{AgentID: r.defaultID, MatchedBy: "default"}

	matched := false
	if in.AccountID != "" {
		for _, b := range r.bindings {
			if channelMatches(b.Channel, in.Channel) && b.AccountID == in.AccountID {
				route.AgentID, route.MatchedBy, matched = b.AgentID, "account", true
				break
			}
		}
	}
	if !matched {
		for _, b := range r.bindings {
			if channelMatches(b.Channel, in.Channel) && b.AccountID == "" {
				route.AgentID, route.MatchedBy = b.AgentID, "channel"
				break
			}
		}
	}

	if in.Channel != "" {
		chat := in.ChatID
		if chat == "" {
			chat = in.AccountID
		}
		if chat == "" {
			chat = "direct"
		}
		route.SessionKey = strings.Join([]string{
			"agent", route.AgentID, keyPart(in.Channel), keyPart(chat),
		}, ":")
	}
	return route
}

func channelMatches(pattern, channel string) bool {
	return pattern == "*" || strings.EqualFold(pattern, channel)
}

var keyReplacer = strings.NewReplacer("/", "_", "\\", "_", "\x00", "", "..", "_")

// keyPart makes a channel or chat id safe to embed in a session key.
func keyPart(s string) string {
	return keyReplacer.Replace(s)
}
