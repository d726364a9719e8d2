package provider

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Family groups models that share a fallback route. The set is closed; a
// provider declares its family in configuration.
type Family string

const (
	FamilyGPT        Family = "gpt"
	FamilyClaude     Family = "claude"
	FamilyOpenWeight Family = "open_weight"
)

var ErrUnknownModel = errors.New("unknown model")

func ParseFamily(raw string) (Family, error) {
	switch Family(strings.ToLower(strings.TrimSpace(raw))) {
	case FamilyGPT:
		return FamilyGPT, nil
	case FamilyClaude:
		return FamilyClaude, nil
	case FamilyOpenWeight:
		return FamilyOpenWeight, nil
	default:
		return "", fmt.Errorf("unknown model family %q", raw)
	}
}

// Route is the fallback plan of one family. An empty Fallback means none.
type Route struct {
	Fallback      string
	FallbackModel string
	Timeout       time.Duration
}

// ModelRef is a parsed "<provider_id>/<model_name>" id.
type ModelRef struct {
	ProviderID string
	ModelName  string
}

func (r ModelRef) String() string { return r.ProviderID + "/" + r.ModelName }

func ParseModelID(raw string) (ModelRef, error) {
	raw = strings.TrimSpace(raw)
	providerID, modelName, ok := strings.Cut(raw, "/")
	providerID = strings.TrimSpace(providerID)
	modelName = strings.TrimSpace(modelName)
	if !ok || providerID == "" || modelName == "" {
		return ModelRef{}, fmt.Errorf("%w: %q is not <provider_id>/<model_name>", ErrUnknownModel, raw)
	}
	return ModelRef{ProviderID: providerID, ModelName: modelName}, nil
}
