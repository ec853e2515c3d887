package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type IDType string

const (
	IDTypeTask  IDType = "task"
	IDTypeMedia IDType = "media"
)

var validIDTypes = map[IDType]bool{
	IDTypeTask:  true,
	IDTypeMedia: true,
}

// GenerateID returns "<type>_<uuid v4>".
func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return fmt.Sprintf("%s_%s", idType, id.String()), nil
}

func ValidateID(id string) bool {
	prefix, rest, ok := strings.Cut(id, "_")
	if !ok || !validIDTypes[IDType(prefix)] {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}

func ParseIDType(id string) (IDType, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	prefix, _, _ := strings.Cut(id, "_")
	return IDType(prefix), nil
}
