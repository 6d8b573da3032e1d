package catalog

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var defaultUserCategories = []UserCategory{
	{Category: UserCategoryNormal, Name: "normal", Description: "regular user"},
	{Category: UserCategoryAdmin, Name: "admin", Description: "administrator"},
}

var defaultAccountCategories = []AccountCategory{
	{Category: 1, Name: "facebook"},
	{Category: 2, Name: "twitter"},
	{Category: 3, Name: "instagram"},
}

var defaultTaskCategories = []TaskCategory{
	{Category: 1, Name: "fb_auto_farming", Processor: "job:fb_auto_farming", Description: "keep facebook accounts warm"},
	{Category: 2, Name: "fb_ads_review", Processor: "job:fb_ads_review", Description: "leave reviews on ads"},
	{Category: 3, Name: "fb_login", Processor: "job:fb_login", Description: "log in and browse"},
	{Category: 4, Name: "fb_like", Processor: "job:fb_like", Description: "like posts"},
	{Category: 5, Name: "fb_comment", Processor: "job:fb_comment", Description: "comment on posts"},
	{Category: 6, Name: "fb_post", Processor: "job:fb_post", Description: "publish a status"},
	{Category: 7, Name: "fb_chat", Processor: "job:fb_chat", Description: "chat with friends"},
	{Category: 8, Name: "fb_edit_profile", Processor: "job:fb_edit_profile", Description: "edit profile information"},
}

// Seed inserts the reference rows that are missing. Existing rows are left alone.
func Seed(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Each insert needs its own statement; a shared chain keeps the first model's schema.
		for _, rows := range []any{&defaultUserCategories, &defaultAccountCategories, &defaultTaskCategories} {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(rows).Error; err != nil {
				return err
			}
		}

		zap.L().Info("[Seed] reference data ready",
			zap.Int("user_categories", len(defaultUserCategories)),
			zap.Int("account_categories", len(defaultAccountCategories)),
			zap.Int("task_categories", len(defaultTaskCategories)),
		)
		return nil
	})
}
