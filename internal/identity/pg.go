package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/go-pg/pg/v10"
)

type LinkModel struct {
	// 表名由外部绑定流程约定，不能让 go-pg 按复数规则推导
	tableName struct{} `pg:"identity_links"`

	PlayerID       string    `json:"player_id" pg:"player_id,pk"`
	PlatformUserID string    `json:"platform_user_id" pg:"platform_user_id,notnull"`
	LinkMethod     string    `json:"link_method" pg:"link_method,notnull"`
	LinkedAt       time.Time `json:"linked_at" pg:"linked_at,notnull"`
}

var _ LinkSource = (*PGLinks)(nil)

// PGLinks 从 Postgres 读取身份绑定。表由外部绑定流程维护，这里从不写。
type PGLinks struct {
	db *pg.DB
}

func NewPGLinks(db *pg.DB) *PGLinks {
	return &PGLinks{db: db}
}

func (p *PGLinks) GetLink(ctx context.Context, playerID string) (*Link, error) {
	model := &LinkModel{PlayerID: playerID}
	err := p.db.ModelContext(ctx, model).WherePK().Select()
	if err != nil {
		if errors.Is(err, pg.ErrNoRows) {
			return nil, fmt.Errorf("link %s: %w", playerID, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("link %s: %w", playerID, err)
	}

	return &Link{
		PlayerID:       model.PlayerID,
		PlatformUserID: model.PlatformUserID,
		Method:         model.LinkMethod,
		LinkedAt:       model.LinkedAt,
	}, nil
}
