package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type AuditEvent struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey"`
	OrganizationID string         `gorm:"type:text;not null;uniqueIndex:idx_audit_events_org_seq,priority:1"`
	Sequence       int64          `gorm:"type:bigint;not null;uniqueIndex:idx_audit_events_org_seq,priority:2"`
	UserID         *string        `gorm:"type:text;index"`
	Action         string         `gorm:"type:text;not null;index"`
	Resource       string         `gorm:"type:text;not null;index:idx_audit_events_resource,priority:1"`
	ResourceID     string         `gorm:"type:text;not null;index:idx_audit_events_resource,priority:2"`
	// Stored as text, not jsonb: the chain hash covers these bytes
	// verbatim and jsonb would rewrite whitespace and key order on the
	// way in.
	OldValues    *string   `gorm:"type:text"`
	NewValues    *string   `gorm:"type:text"`
	Metadata     *string   `gorm:"type:text"`
	IPAddress    string    `gorm:"type:text"`
	UserAgent    string    `gorm:"type:text"`
	Timestamp    time.Time `gorm:"type:timestamptz;not null;index"`
	PreviousHash string    `gorm:"type:text;not null"`
	Hash         string    `gorm:"type:text;not null"`
}

func (AuditEvent) TableName() string { return "audit_events" }

type ChainState struct {
	OrganizationID string `gorm:"type:text;primaryKey"`
	LastSequence   int64  `gorm:"type:bigint;not null"`
	LastHash       string `gorm:"type:text;not null"`
}

func (ChainState) TableName() string { return "chain_states" }

type DeadLetter struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey"`
	OrganizationID string         `gorm:"type:text;not null;index"`
	Payload        datatypes.JSON `gorm:"type:jsonb;not null"`
	StashedAt      time.Time      `gorm:"type:timestamptz;not null;index"`
}

func (DeadLetter) TableName() string { return "dead_letters" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(
		&AuditEvent{},
		&ChainState{},
		&DeadLetter{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&DeadLetter{},
		&ChainState{},
		&AuditEvent{},
	)
}
