package storage

import (
	"context"
	"log/slog"

	"github.com/eleven-am/conductor/internal/domain"
	"github.com/eleven-am/conductor/internal/ports"
	json "github.com/goccy/go-json"
)

// TemplateStore keeps deploy templates keyed by name.
type TemplateStore struct {
	storage ports.StoragePort
	logger  *slog.Logger
}

func NewTemplateStore(storage ports.StoragePort, logger *slog.Logger) *TemplateStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TemplateStore{
		storage: storage,
		logger:  logger.With("component", "template-store"),
	}
}

func (s *TemplateStore) Put(ctx context.Context, template domain.DeployTemplate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if template.Name == "" {
		return domain.NewInvalidParameterError("deploy template name is required")
	}
	payload, err := json.Marshal(template)
	if err != nil {
		return err
	}
	return s.storage.Put(templateKeyPrefix+template.Name, payload, 0)
}

// ListByNames returns the templates that exist among names, in the order the
// names were given. Unknown names are ignored.
func (s *TemplateStore) ListByNames(ctx context.Context, names []string) ([]domain.DeployTemplate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(names))
	var templates []domain.DeployTemplate
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		key := templateKeyPrefix + name
		value, _, exists, err := s.storage.Get(key)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}
		var template domain.DeployTemplate
		if err := json.Unmarshal(value, &template); err != nil {
			return nil, corrupt(key, err)
		}
		templates = append(templates, template)
	}
	return templates, nil
}

func (s *TemplateStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.storage.Delete(templateKeyPrefix + name)
}
