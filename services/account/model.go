package account

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusValid   Status = "valid"
	StatusInvalid Status = "invalid"
	StatusVerify  Status = "verify"
	StatusOther   Status = "other"
)

func (s Status) Valid() bool {
	switch s {
	case StatusValid, StatusInvalid, StatusVerify, StatusOther:
		return true
	}
	return false
}

// Account is a shared external identity. Using counts the Jobs currently attached to it
// and is only changed through Locker.
type Account struct {
	ID            int64          `gorm:"column:id;primaryKey;autoIncrement:false"`
	Category      int            `gorm:"column:category;index"`
	Owner         int64          `gorm:"column:owner;index"`
	Account       string         `gorm:"column:account;type:varchar(255);not null"`
	Password      string         `gorm:"column:password;type:varchar(255)"`
	Email         string         `gorm:"column:email;type:varchar(255);default:''"`
	EmailPwd      string         `gorm:"column:email_pwd;type:varchar(255);default:''"`
	PhoneNumber   string         `gorm:"column:phone_number;type:varchar(100);default:''"`
	Gender        int            `gorm:"column:gender;default:0"`
	Birthday      string         `gorm:"column:birthday;type:varchar(100);default:''"`
	NationalID    string         `gorm:"column:national_id;type:varchar(100);default:''"`
	RegisterTime  string         `gorm:"column:register_time;type:varchar(100);default:''"`
	Name          string         `gorm:"column:name;type:varchar(100);default:''"`
	ProfileID     string         `gorm:"column:profile_id;type:varchar(100);default:''"`
	Status        Status         `gorm:"column:status;type:varchar(20);default:'valid';index"`
	Using         int            `gorm:"column:using;not null;default:0"`
	EnableTasks   string         `gorm:"column:enable_tasks;type:varchar(255);default:''"`
	ProfilePath   string         `gorm:"column:profile_path;type:varchar(255);default:''"`
	LastLogin     *time.Time     `gorm:"column:last_login"`
	LastPost      *time.Time     `gorm:"column:last_post"`
	LastChat      *time.Time     `gorm:"column:last_chat"`
	LastFarming   *time.Time     `gorm:"column:last_farming"`
	LastComment   *time.Time     `gorm:"column:last_comment"`
	LastEdit      *time.Time     `gorm:"column:last_edit"`
	ActiveArea    string         `gorm:"column:active_area;type:varchar(255);default:''"`
	// browser fingerprint
	ActiveBrowser string         `gorm:"column:active_browser;type:text"`
	Configure     datatypes.JSON `gorm:"column:configure"`
	CreatedAt     time.Time      `gorm:"autoCreateTime"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime"`
}

func (Account) TableName() string { return "account" }
