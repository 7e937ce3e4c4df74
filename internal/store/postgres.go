package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chrissnell/insituqc/internal/climatology"
	"github.com/chrissnell/insituqc/internal/log"
)

// ArtifactModel is the gorm model of an artifact row.
type ArtifactModel struct {
	Platform   string    `gorm:"primaryKey"`
	Variable   string    `gorm:"primaryKey"`
	ArtifactID string    `gorm:"not null"`
	Depths     []byte    `gorm:"not null"`
	StartYear  int       `gorm:"not null"`
	MeanYear   int       `gorm:"not null"`
	EndYear    int       `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (ArtifactModel) TableName() string {
	return "climatology_artifacts"
}

// FieldModel is the gorm model of one persisted field.
type FieldModel struct {
	Platform string `gorm:"primaryKey"`
	Variable string `gorm:"primaryKey"`
	Name     string `gorm:"primaryKey"`
	Payload  []byte `gorm:"not null"`
}

func (FieldModel) TableName() string {
	return "climatology_fields"
}

// PostgresStore keeps artifacts in a shared PostgreSQL database.
type PostgresStore struct {
	DB     *gorm.DB
	logger *zap.SugaredLogger
}

// NewPostgresStore connects to PostgreSQL and migrates the schema.
func NewPostgresStore(connectionString string, logger *zap.SugaredLogger) (*PostgresStore, error) {
	if connectionString == "" {
		return nil, errors.New("postgres store requires a connection string")
	}
	db, err := CreateConnection(connectionString)
	if err != nil {
		return nil, err
	}
	return NewPostgresStoreFromDB(db, logger)
}

// NewPostgresStoreFromDB wraps an open gorm connection and migrates the schema.
func NewPostgresStoreFromDB(db *gorm.DB, logger *zap.SugaredLogger) (*PostgresStore, error) {
	if err := db.AutoMigrate(&ArtifactModel{}, &FieldModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate climatology schema: %w", err)
	}
	return &PostgresStore{DB: db, logger: log.OrNop(logger)}, nil
}

// CreateConnection opens a PostgreSQL connection with the standard gorm
// configuration, logging through zap.
func CreateConnection(connectionString string) (*gorm.DB, error) {
	// Create a logger for gorm
	dbLogger := logger.New(
		zap.NewStdLog(log.GetZapLogger()),
		logger.Config{
			SlowThreshold:             time.Second, // Slow SQL threshold
			LogLevel:                  logger.Warn, // Log level
			IgnoreRecordNotFoundError: true,        // Ignore ErrRecordNotFound error for logger
			Colorful:                  false,
		},
	)

	log.Info("connecting to PostgreSQL climatology store...")
	db, err := gorm.Open(postgres.Open(connectionString), &gorm.Config{Logger: dbLogger})
	if err != nil {
		log.Warnf("unable to create a PostgreSQL connection: %v", err)
		return nil, err
	}
	return db, nil
}

// Load reads the artifact of key.
func (s *PostgresStore) Load(ctx context.Context, key Key) (*climatology.Artifact, error) {
	var m ArtifactModel
	err := s.DB.WithContext(ctx).
		Where("platform = ? AND variable = ?", key.Platform, key.Variable).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying artifact %s: %w", key, err)
	}

	var fields []FieldModel
	if err := s.DB.WithContext(ctx).
		Where("platform = ? AND variable = ?", key.Platform, key.Variable).
		Find(&fields).Error; err != nil {
		return nil, fmt.Errorf("error querying fields of %s: %w", key, err)
	}

	r := record{
		ID:        m.ArtifactID,
		Variable:  m.Variable,
		StartYear: m.StartYear,
		MeanYear:  m.MeanYear,
		EndYear:   m.EndYear,
		CreatedAt: m.CreatedAt,
		Fields:    make(map[string][]byte, len(fields)),
	}
	if err := msgpack.Unmarshal(m.Depths, &r.Depths); err != nil {
		return nil, fmt.Errorf("failed to decode depths of %s: %w", key, err)
	}
	for _, f := range fields {
		r.Fields[f.Name] = f.Payload
	}
	return r.artifact()
}

// Save replaces the artifact of key in a single transaction.
func (s *PostgresStore) Save(ctx context.Context, key Key, a *climatology.Artifact) error {
	if err := key.Validate(); err != nil {
		return err
	}
	r, err := newRecord(a)
	if err != nil {
		return err
	}
	depths, err := msgpack.Marshal(r.Depths)
	if err != nil {
		return fmt.Errorf("failed to encode depths: %w", err)
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		where := "platform = ? AND variable = ?"
		if err := tx.Where(where, key.Platform, key.Variable).Delete(&FieldModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where(where, key.Platform, key.Variable).Delete(&ArtifactModel{}).Error; err != nil {
			return err
		}
		if err := tx.Create(&ArtifactModel{
			Platform:   key.Platform,
			Variable:   key.Variable,
			ArtifactID: r.ID,
			Depths:     depths,
			StartYear:  r.StartYear,
			MeanYear:   r.MeanYear,
			EndYear:    r.EndYear,
			CreatedAt:  r.CreatedAt,
		}).Error; err != nil {
			return err
		}
		for name, payload := range r.Fields {
			if err := tx.Create(&FieldModel{
				Platform: key.Platform,
				Variable: key.Variable,
				Name:     name,
				Payload:  payload,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save artifact %s: %w", key, err)
	}
	s.logger.Debugf("saved climatology artifact %s to PostgreSQL", key)
	return nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
