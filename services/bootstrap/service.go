package bootstrap

import (
	"context"
	"fmt"

	"taskcenter/services/account"
	"taskcenter/services/agent"
	"taskcenter/services/catalog"
	"taskcenter/services/task"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db *gorm.DB
}

type ServiceParams struct {
	fx.In
	DB *gorm.DB
}

func NewService(p ServiceParams) *Service {
	return &Service{db: p.DB}
}

// Models lists every table the scheduler owns, in dependency order.
func Models() []any {
	models := []any{&account.Account{}, &agent.Agent{}}
	models = append(models, catalog.Models()...)
	return append(models, task.Models()...)
}

// Migrate brings the schema up to date and seeds the reference tables. Both steps are
// safe to repeat on every boot.
func (s *Service) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	zap.L().Info("[bootstrap] schema migrated", zap.Int("tables", len(Models())))

	if err := catalog.Seed(ctx, s.db); err != nil {
		return fmt.Errorf("seed reference tables: %w", err)
	}
	zap.L().Info("[bootstrap] reference tables seeded")
	return nil
}
