package agent

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// Agent is an execution endpoint. Load is the number of dispatched, unfinished Jobs.
type Agent struct {
	ID        int64          `gorm:"column:id;primaryKey;autoIncrement:false"`
	QueueName string         `gorm:"column:queue_name;type:varchar(255);not null"`
	Area      string         `gorm:"column:area;type:varchar(255);default:'';index:idx_agent_area_status"`
	Status    Status         `gorm:"column:status;type:varchar(20);default:'active';index:idx_agent_area_status"`
	Load      int            `gorm:"column:load;not null;default:0"`
	Configure datatypes.JSON `gorm:"column:configure"`
	CreatedAt time.Time      `gorm:"autoCreateTime"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime"`
}

func (Agent) TableName() string { return "agent" }
