package agent

import (
	"context"
	"errors"
	"strings"

	"taskcenter/pkg/errutil"
	"taskcenter/pkg/gen"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNoAgentAvailable means no active agent serves the area right now. Callers retry on
// the next tick.
var ErrNoAgentAvailable = errors.New("no agent available")

var loadColumn = clause.Column{Name: "load"}

// assignAttempts bounds the compare-and-set retries when other dispatchers race for the
// same agent.
const assignAttempts = 16

type Dispatcher struct {
	db   *gorm.DB
	node *gen.SnowflakeNode
}

func NewDispatcher(db *gorm.DB, node *gen.SnowflakeNode) *Dispatcher {
	return &Dispatcher{db: db, node: node}
}

// WithTx returns a Dispatcher bound to tx.
func (d *Dispatcher) WithTx(tx *gorm.DB) *Dispatcher {
	return &Dispatcher{db: tx, node: d.node}
}

// Assign picks the least loaded active agent of area, lowest id first on ties, and takes
// one load slot on it. An empty area matches every active agent.
func (d *Dispatcher) Assign(ctx context.Context, area string) (*Agent, error) {
	if d == nil || d.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	for attempt := 0; attempt < assignAttempts; attempt++ {
		query := d.db.WithContext(ctx).Model(&Agent{}).Where("status = ?", StatusActive)
		if area != "" {
			query = query.Where("area = ?", area)
		}

		var candidate Agent
		err := query.
			Order(clause.OrderByColumn{Column: loadColumn}).
			Order("id").
			Take(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoAgentAvailable
		}
		if err != nil {
			return nil, err
		}

		res := d.db.WithContext(ctx).Model(&Agent{}).
			Where("id = ? AND status = ?", candidate.ID, StatusActive).
			Where(clause.Eq{Column: loadColumn, Value: candidate.Load}).
			Update("load", gorm.Expr("? + 1", loadColumn))
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			candidate.Load++
			return &candidate, nil
		}

		zap.L().Debug("[Dispatcher] lost race on agent, retrying",
			zap.Int64("agent_id", candidate.ID),
			zap.Int("attempt", attempt+1),
		)
	}

	return nil, ErrNoAgentAvailable
}

// Release gives back one load slot. Disabled agents are released too.
func (d *Dispatcher) Release(ctx context.Context, agentID int64) error {
	if d == nil || d.db == nil {
		return gorm.ErrInvalidDB
	}

	res := d.db.WithContext(ctx).Model(&Agent{}).
		Where("id = ?", agentID).
		Where(clause.Gt{Column: loadColumn, Value: 0}).
		Update("load", gorm.Expr("? - 1", loadColumn))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		zap.L().Warn("[Dispatcher] release on idle agent", zap.Int64("agent_id", agentID))
	}
	return nil
}

type RegisterRequest struct {
	QueueName string
	Area      string
	Configure datatypes.JSON
}

// Register adds an active agent. The queue name defaults to the area.
func (d *Dispatcher) Register(ctx context.Context, req RegisterRequest) (*Agent, error) {
	if d == nil || d.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	queue := strings.TrimSpace(req.QueueName)
	area := strings.TrimSpace(req.Area)
	if queue == "" {
		queue = area
	}
	if queue == "" {
		return nil, errutil.ValidationFailed("agent requires a queue name or area", nil,
			errutil.WithDetails(errutil.Detail{Field: "queue_name", Message: "required"}),
		)
	}

	ag := &Agent{
		ID:        d.node.NextID(),
		QueueName: queue,
		Area:      area,
		Status:    StatusActive,
		Configure: req.Configure,
	}
	if err := d.db.WithContext(ctx).Create(ag).Error; err != nil {
		return nil, errutil.Internal("failed to register agent", err)
	}

	zap.L().Info("[Dispatcher] agent registered",
		zap.Int64("agent_id", ag.ID),
		zap.String("queue", ag.QueueName),
		zap.String("area", ag.Area),
	)
	return ag, nil
}

func (d *Dispatcher) Disable(ctx context.Context, agentID int64) error {
	return d.setStatus(ctx, agentID, StatusDisabled)
}

func (d *Dispatcher) Enable(ctx context.Context, agentID int64) error {
	return d.setStatus(ctx, agentID, StatusActive)
}

func (d *Dispatcher) Get(ctx context.Context, agentID int64) (*Agent, error) {
	if d == nil || d.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var ag Agent
	err := d.db.WithContext(ctx).Where("id = ?", agentID).First(&ag).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("agent not found", err)
	}
	if err != nil {
		return nil, err
	}
	return &ag, nil
}

func (d *Dispatcher) List(ctx context.Context, area string) ([]Agent, error) {
	if d == nil || d.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	query := d.db.WithContext(ctx).Model(&Agent{})
	if area != "" {
		query = query.Where("area = ?", area)
	}

	var agents []Agent
	err := query.Order("id").Find(&agents).Error
	return agents, err
}

func (d *Dispatcher) setStatus(ctx context.Context, agentID int64, status Status) error {
	if d == nil || d.db == nil {
		return gorm.ErrInvalidDB
	}

	res := d.db.WithContext(ctx).Model(&Agent{}).
		Where("id = ?", agentID).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.NotFound("agent not found", nil)
	}

	zap.L().Info("[Dispatcher] agent status changed",
		zap.Int64("agent_id", agentID),
		zap.String("status", string(status)),
	)
	return nil
}
