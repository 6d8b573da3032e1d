package catalog

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	UserCategoryNormal = 1
	UserCategoryAdmin  = 2
)

type User struct {
	ID       int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	Category int    `gorm:"column:category;index;default:1"`
	Name     string `gorm:"column:name;type:varchar(150);default:''"`
	Token    string `gorm:"column:token;type:varchar(255);default:''"`
	// semicolon separated task categories the user may create, e.g. "1;2;3". Empty allows all.
	EnableTasks string `gorm:"column:enable_tasks;type:varchar(255);default:''"`
}

func (User) TableName() string { return "user" }

func (u User) IsAdmin() bool { return u.Category == UserCategoryAdmin }

// AllowedCategories parses EnableTasks. A nil slice means every category is allowed.
func (u User) AllowedCategories() ([]int, error) {
	raw := strings.TrimSpace(u.EnableTasks)
	if raw == "" {
		return nil, nil
	}

	var out []int
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("enable_tasks %q: %w", u.EnableTasks, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// CanCreate reports whether the user may create tasks of category.
func (u User) CanCreate(category int) (bool, error) {
	allowed, err := u.AllowedCategories()
	if err != nil {
		return false, err
	}
	if len(allowed) == 0 {
		return true, nil
	}
	for _, c := range allowed {
		if c == category {
			return true, nil
		}
	}
	return false, nil
}

type UserCategory struct {
	Category    int    `gorm:"column:category;primaryKey;autoIncrement:false"`
	Name        string `gorm:"column:name;type:varchar(255)"`
	Description string `gorm:"column:description;type:varchar(255);default:''"`
}

func (UserCategory) TableName() string { return "user_category" }

// TaskCategory names the processor a Job of this category is dispatched to.
type TaskCategory struct {
	Category    int    `gorm:"column:category;primaryKey;autoIncrement:false"`
	Name        string `gorm:"column:name;type:varchar(255)"`
	Processor   string `gorm:"column:processor;type:varchar(255);not null"`
	Description string `gorm:"column:description;type:varchar(2048);default:''"`
}

func (TaskCategory) TableName() string { return "task_category" }

type AccountCategory struct {
	Category int    `gorm:"column:category;primaryKey;autoIncrement:false"`
	Name     string `gorm:"column:name;type:varchar(255);default:''"`
}

func (AccountCategory) TableName() string { return "account_category" }

type Area struct {
	ID          int64  `gorm:"column:id;primaryKey"`
	Name        string `gorm:"column:name;type:varchar(255);uniqueIndex"`
	Description string `gorm:"column:description;type:varchar(2048);default:''"`
}

func (Area) TableName() string { return "area" }

// Models lists every reference table for migration.
func Models() []any {
	return []any{&User{}, &UserCategory{}, &TaskCategory{}, &AccountCategory{}, &Area{}}
}
