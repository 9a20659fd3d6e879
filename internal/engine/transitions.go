package engine

import "github.com/jobindev25/tech-co-founder-sub000/internal/domain"

// priorStatuses returns the statuses a project may hold immediately before
// moving to the given one. The transition guard in the store only applies an
// update when the current status is in this set, which is what makes
// redelivered and out-of-order updates harmless.
func priorStatuses(to string) []string {
	switch to {
	case domain.ProjectPlanning:
		return []string{domain.ProjectAnalyzing}
	case domain.ProjectReadyToBuild:
		return []string{domain.ProjectPlanning}
	case domain.ProjectBuilding:
		return []string{domain.ProjectReadyToBuild}
	case domain.ProjectCompleted:
		return []string{domain.ProjectBuilding}
	case domain.ProjectFailed, domain.ProjectCancelled:
		return nonTerminalStatuses()
	}
	return nil
}

func nonTerminalStatuses() []string {
	return []string{
		domain.ProjectAnalyzing,
		domain.ProjectPlanning,
		domain.ProjectReadyToBuild,
		domain.ProjectBuilding,
	}
}

// eventTransition maps a build event type to the project status it implies.
// Progress-style events carry no transition.
func eventTransition(eventType string) (string, bool) {
	switch eventType {
	case domain.EventBuildStarted:
		return domain.ProjectBuilding, true
	case domain.EventBuildCompleted:
		return domain.ProjectCompleted, true
	case domain.EventBuildFailed:
		return domain.ProjectFailed, true
	case domain.EventBuildCancelled:
		return domain.ProjectCancelled, true
	}
	return "", false
}
