package resources

import (
	"encoding/json"
	"fmt"

	"github.com/hostpanel/hostpanel/pkg/engine"
)

// New returns an empty resource of kind.
func New(kind string) (engine.Resource, error) {
	switch kind {
	case KindWebApp:
		return &WebApp{}, nil
	case KindWebsite:
		return &Website{}, nil
	case KindList:
		return &MailList{}, nil
	case KindDatabase:
		return &Database{}, nil
	case KindSaaS:
		return &SaaS{}, nil
	default:
		return nil, engine.NewConfigurationError(fmt.Sprintf("unknown resource kind %q", kind), nil)
	}
}

// Encode serializes r for the inventory store.
func Encode(r engine.Resource) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", r.Key(), err)
	}
	return data, nil
}

// Decode rebuilds a resource of kind from data and validates it.
func Decode(kind string, data []byte) (engine.Resource, error) {
	r, err := New(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	if err := Validate(r); err != nil {
		return nil, err
	}
	return r, nil
}
