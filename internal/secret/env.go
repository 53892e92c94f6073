package secret

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"

	"github.com/org/secretprov/pkg/models"
)

// ExportDotEnv renders properties as a .env document, sorted by key.
// Placeholder values are skipped.
func ExportDotEnv(props []models.Property) (string, error) {
	vars := make(map[string]string, len(props))
	for _, p := range props {
		if p.Placeholder {
			continue
		}
		vars[p.Key] = p.Value
	}
	out, err := godotenv.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("rendering dotenv: %w", err)
	}
	if out != "" {
		out += "\n"
	}
	return out, nil
}

// DotEnv lists the environment's properties and renders them as a .env document.
func (m *Mirror) DotEnv(ctx context.Context, app *models.Application, env *models.Environment) (string, error) {
	props, err := m.ListByEnvironment(ctx, app, env)
	if err != nil {
		return "", err
	}
	return ExportDotEnv(props)
}
