package scheduler

import "reigh/internal/store"

// DependenciesSatisfied reports whether every task in the dependency set
// exists and is Complete. An empty set is trivially satisfied; a dangling
// reference is not.
func (s *Scheduler) DependenciesSatisfied(t store.Task) (bool, error) {
	if len(t.DependantOn) == 0 {
		return true, nil
	}
	statuses, err := s.store.DependencyStatuses(t.DependantOn)
	if err != nil {
		return false, err
	}
	for _, dep := range t.DependantOn {
		status, ok := statuses[dep]
		if !ok || status != store.StatusComplete {
			return false, nil
		}
	}
	return true, nil
}
