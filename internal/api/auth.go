package api

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

var errNotInvigilator = errors.New("principal is not an invigilator for this unit")

// KeyAuthorizer maps invigilator API keys to the units they supervise. A
// unit list containing "*" grants every unit. With no invigilators
// configured every principal is allowed, leaving access control to
// whatever fronts the service.
type KeyAuthorizer struct {
	units map[string][]string
}

func NewKeyAuthorizer(invigilators map[string][]string) *KeyAuthorizer {
	units := make(map[string][]string, len(invigilators))
	for key, list := range invigilators {
		units[key] = slices.Clone(list)
	}
	return &KeyAuthorizer{units: units}
}

func (a *KeyAuthorizer) AuthorizeTermination(_ context.Context, principal, unitID string) error {
	if len(a.units) == 0 {
		return nil
	}
	allowed, ok := a.units[principal]
	if !ok {
		return errNotInvigilator
	}
	if slices.Contains(allowed, "*") || slices.Contains(allowed, unitID) {
		return nil
	}
	return fmt.Errorf("%w: %s", errNotInvigilator, unitID)
}
