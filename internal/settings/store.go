// Package settings holds the process-wide mutable configuration: the prompt
// enhancement credential and the identity of the local image backend.
package settings

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"flux-gen-service/internal/logging"
	"flux-gen-service/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// KeyValidator performs the cheap authenticated round-trip used to accept a
// credential. It returns a *model.Error with KindValidation for a rejected key.
type KeyValidator interface {
	ValidateKey(ctx context.Context, key string) error
}

// Snapshot is an immutable copy of the current configuration.
type Snapshot struct {
	Credential        string
	CredentialVersion uint64
	BackendName       string
	BackendModel      string
	UpdatedAt         time.Time
}

// Configured 是否已配置 API Key
func (s Snapshot) Configured() bool {
	return s.Credential != ""
}

// Masked returns the credential with everything but the last four characters hidden.
func (s Snapshot) Masked() string {
	return MaskCredential(s.Credential)
}

func MaskCredential(key string) string {
	if key == "" {
		return ""
	}
	r := []rune(key)
	if len(r) <= 4 {
		return "****"
	}
	return "****" + string(r[len(r)-4:])
}

// Store is the ConfigStore. Reads are lock-protected copies; Set is serialized.
type Store struct {
	mu      sync.RWMutex
	current Snapshot

	setMu     sync.Mutex
	validator KeyValidator
	db        *gorm.DB
	logger    *logging.Logger
}

// Options 构造 Store 的参数
type Options struct {
	InitialCredential string
	BackendName       string
	BackendModel      string
	Validator         KeyValidator
	DB                *gorm.DB // 可为空，为空时不持久化
	Logger            *logging.Logger
}

// New creates the store. A credential persisted by an earlier Set wins over
// InitialCredential.
func New(opts Options) (*Store, error) {
	if opts.Validator == nil {
		return nil, errors.New("settings: validator cannot be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}

	s := &Store{
		validator: opts.Validator,
		db:        opts.DB,
		logger:    logger.Named("settings"),
		current: Snapshot{
			Credential:   strings.TrimSpace(opts.InitialCredential),
			BackendName:  opts.BackendName,
			BackendModel: opts.BackendModel,
			UpdatedAt:    time.Now(),
		},
	}

	if s.db != nil {
		var row model.Setting
		err := s.db.Where("name = ?", model.SettingOpenRouterKey).First(&row).Error
		switch {
		case err == nil && strings.TrimSpace(row.Value) != "":
			s.current.Credential = strings.TrimSpace(row.Value)
			s.current.UpdatedAt = row.UpdatedAt
			s.logger.Info("loaded persisted credential", zap.String("masked", s.current.Masked()))
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, err
		}
	}
	if s.current.Credential != "" {
		s.current.CredentialVersion = 1
	}
	return s, nil
}

// Get returns the current snapshot. Safe for concurrent use.
func (s *Store) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Configured 是否已配置 API Key
func (s *Store) Configured() bool {
	return s.Get().Configured()
}

// Set validates credential against the remote provider and commits it. On any
// failure the previous credential stays in effect.
func (s *Store) Set(ctx context.Context, credential string) error {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return model.Errorf(model.KindValidation, "credential must not be empty")
	}

	s.setMu.Lock()
	defer s.setMu.Unlock()

	if err := s.validator.ValidateKey(ctx, credential); err != nil {
		s.logger.Warn("credential rejected", zap.String("masked", MaskCredential(credential)), zap.Error(err))
		return err
	}

	if s.db != nil {
		row := model.Setting{Name: model.SettingOpenRouterKey, Value: credential}
		err := s.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).Create(&row).Error
		if err != nil {
			return model.NewError(model.KindInternal, "failed to persist credential", err)
		}
	}

	s.mu.Lock()
	s.current.Credential = credential
	s.current.CredentialVersion++
	s.current.UpdatedAt = time.Now()
	version := s.current.CredentialVersion
	s.mu.Unlock()

	s.logger.Info("credential updated", zap.String("masked", MaskCredential(credential)), zap.Uint64("version", version))
	return nil
}
