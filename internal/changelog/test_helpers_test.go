package changelog

import (
	"testing"

	"github.com/MarcoPoloResearchLab/driftsync/internal/entity"
)

func mustType(t *testing.T, value string) entity.EntityType {
	t.Helper()
	entityType, err := entity.NewEntityType(value)
	if err != nil {
		t.Fatalf("unexpected entity type error: %v", err)
	}
	return entityType
}

func mustLocalID(t *testing.T, value string) entity.LocalID {
	t.Helper()
	id, err := entity.NewLocalID(value)
	if err != nil {
		t.Fatalf("unexpected local id error: %v", err)
	}
	return id
}
