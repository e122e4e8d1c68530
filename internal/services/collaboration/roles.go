package collaboration

import "codepair/internal/models"

// assignRole moves a participant into a role while keeping the
// at-most-one-driver / at-most-one-navigator invariant. Promoting
// someone to driver demotes the prior driver (if any) to navigator;
// promoting to navigator simply takes over the navigator slot. The
// caller holds the session entry lock.
//
// Returns the demoted prior driver, if the promotion displaced one.
func assignRole(s *models.CollaborationSession, p *models.Participant, role models.Role) *models.Participant {
	var demoted *models.Participant
	previous := p.Role

	switch role {
	case models.RoleDriver:
		if s.CurrentDriver != "" && s.CurrentDriver != p.UserID {
			if prior := s.Participant(s.CurrentDriver); prior != nil && prior.IsActive {
				prior.SetRole(models.RoleNavigator)
				s.CurrentNavigator = prior.UserID
				demoted = prior
			}
		}
		s.CurrentDriver = p.UserID
		if s.CurrentNavigator == p.UserID {
			s.CurrentNavigator = ""
		}

	case models.RoleNavigator:
		s.CurrentNavigator = p.UserID
		if s.CurrentDriver == p.UserID {
			s.CurrentDriver = ""
		}

	default:
		if s.CurrentDriver == p.UserID {
			s.CurrentDriver = ""
		}
		if s.CurrentNavigator == p.UserID {
			s.CurrentNavigator = ""
		}
	}

	p.SetRole(role)

	// Vacating a slot triggers the same replacement search leave uses.
	if previous == models.RoleDriver && s.CurrentDriver == "" {
		fillVacatedDriver(s)
	}

	return demoted
}

// fillVacatedDriver runs the replacement search for an empty driver
// slot: prefer a remaining active driver (guarded against by the
// invariant, but cheap to check), otherwise promote the first active
// navigator. Navigator vacancies are left empty — no cascading
// promotion beyond one level.
func fillVacatedDriver(s *models.CollaborationSession) *models.Participant {
	for _, p := range s.ActiveParticipants() {
		if p.Role == models.RoleDriver {
			s.CurrentDriver = p.UserID
			return nil
		}
	}

	for _, p := range s.ActiveParticipants() {
		if p.Role == models.RoleNavigator {
			p.SetRole(models.RoleDriver)
			s.CurrentDriver = p.UserID
			if s.CurrentNavigator == p.UserID {
				s.CurrentNavigator = ""
			}
			return p
		}
	}

	return nil
}

// clearRoleSlots releases any role slot the departing participant held
// and fills the vacancy. Caller holds the session entry lock. Returns
// the promoted participant, if any.
func clearRoleSlots(s *models.CollaborationSession, departed *models.Participant) *models.Participant {
	var promoted *models.Participant

	if s.CurrentDriver == departed.UserID {
		s.CurrentDriver = ""
		promoted = fillVacatedDriver(s)
	}
	if s.CurrentNavigator == departed.UserID {
		s.CurrentNavigator = ""
	}

	return promoted
}
