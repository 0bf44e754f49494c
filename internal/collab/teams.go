package collab

import "fmt"

// RegisterTeam records a team for reviewer selection and escalation.
// Re-registering a team id replaces the previous roster.
func (s *Service) RegisterTeam(team Team) {
	copied := team
	copied.Members = append([]Member(nil), team.Members...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams[team.ID] = &copied
}

// SetBusy flags an agent as busy or idle across every team it belongs to.
// Busy agents are skipped during reviewer selection.
func (s *Service) SetBusy(agentID string, busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, team := range s.teams {
		for i := range team.Members {
			if team.Members[i].AgentID == agentID {
				team.Members[i].Busy = busy
			}
		}
	}
}

// selectReviewer picks an idle teammate of the requester that declares the
// capability required for the review type. Roster order breaks ties.
func (s *Service) selectReviewer(from, reviewType string) (string, error) {
	required := CapabilityForReview(reviewType)

	s.mu.Lock()
	defer s.mu.Unlock()

	team := s.teamOfLocked(from)
	if team == nil {
		return "", fmt.Errorf("agent %q has no team: %w", from, ErrNoReviewer)
	}
	for _, member := range team.Members {
		if member.AgentID == from || member.Busy {
			continue
		}
		for _, capability := range member.Capabilities {
			if capability == required {
				return member.AgentID, nil
			}
		}
	}
	return "", fmt.Errorf("no idle %q reviewer on team %q: %w", required, team.ID, ErrNoReviewer)
}

// resolveEscalationTarget prefers the requester's team lead, then walks the
// supplied escalation path past the requester itself.
func (s *Service) resolveEscalationTarget(from string, escalationPath []string) (string, error) {
	s.mu.Lock()
	team := s.teamOfLocked(from)
	s.mu.Unlock()

	if team != nil && team.LeadID != "" && team.LeadID != from {
		return team.LeadID, nil
	}
	for _, id := range escalationPath {
		if id != "" && id != from {
			return id, nil
		}
	}
	return "", ErrNoEscalationTarget
}

// teamOfLocked returns the first registered team containing the agent.
// Caller holds s.mu.
func (s *Service) teamOfLocked(agentID string) *Team {
	for _, team := range s.teams {
		if team.LeadID == agentID {
			return team
		}
		for _, member := range team.Members {
			if member.AgentID == agentID {
				return team
			}
		}
	}
	return nil
}
