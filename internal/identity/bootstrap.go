package identity

import (
	"fmt"

	"github.com/morrigan-hq/morrigan-server/internal/apperror"
)

// AllFunctions is the set of coarse permissions a bootstrap admin holds.
var AllFunctions = []string{
	"identity.create",
	"identity.get.all",
	"identity.update.all",
	"identity.delete.all",
	"client.provision",
}

// Bootstrap creates the admin identity when the identity collection is
// empty. A hard-coded default password is a bug, not a convenience:
// bootstrapPassword must come from configuration, and Bootstrap refuses
// to run without one.
func (s *Service) Bootstrap(bootstrapPassword string) error {
	count, err := s.Count()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if bootstrapPassword == "" {
		return apperror.New(apperror.KindServerConfiguration, "identity collection is empty and no bootstrap password is configured")
	}

	_, err = s.AddIdentity(map[string]interface{}{
		"name": "admin",
		"auth": map[string]interface{}{
			"type":     "password",
			"password": bootstrapPassword,
		},
		"functions": append([]string(nil), AllFunctions...),
	})
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	return nil
}
