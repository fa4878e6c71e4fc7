package telegram

import (
	"context"
	"fmt"
	"sync"

	"github.com/celestix/gotgproto"
	"github.com/gotd/td/session"
	"gorm.io/gorm"

	"github.com/blockedby/tg-relay/internal/config"
	"github.com/blockedby/tg-relay/internal/logger"
)

// Status represents the Telegram client status.
type Status string

// Status constants define the possible states of the Telegram client.
const (
	StatusInitializing Status = "INITIALIZING"
	StatusReady        Status = "READY"
	StatusUnauthorized Status = "UNAUTHORIZED"
	StatusError        Status = "ERROR"
)

// ClientFactory is a function that creates a telegram client.
type ClientFactory func(ctx context.Context, cfg *config.Config, db *gorm.DB) (*gotgproto.Client, error)

// Manager handles Telegram client lifecycle. Logging in happens elsewhere;
// the manager only restores a session from the database, a session string
// or an imported session file.
type Manager struct {
	client *gotgproto.Client
	db     *gorm.DB
	cfg    *config.Config
	log    *logger.Logger

	status Status
	mu     sync.RWMutex

	clientFactory ClientFactory
}

// NewManager creates a new Telegram Manager. db holds the session store.
func NewManager(cfg *config.Config, db *gorm.DB) *Manager {
	return &Manager{
		db:            db,
		cfg:           cfg,
		log:           logger.For("telegram"),
		status:        StatusInitializing,
		clientFactory: NewPersistentClient,
	}
}

// SetClientFactory allows overriding the client creation logic (e.g. for testing).
func (m *Manager) SetClientFactory(f ClientFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientFactory = f
}

// GetStatus returns the current Telegram client status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// GetClient returns the underlying Telegram client.
func (m *Manager) GetClient() *gotgproto.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// Init restores the session and connects. Without any session the manager
// stays unauthorized and Init returns nil.
func (m *Manager) Init(ctx context.Context) error {
	m.setStatus(StatusInitializing)

	if m.cfg.SessionFile != "" {
		if err := m.importSessionFile(ctx, m.cfg.SessionFile); err != nil {
			m.log.Warn().Err(err).Str("path", m.cfg.SessionFile).Msg("telegram: session file import failed")
		}
	}

	if m.cfg.TGSessionStr == "" && m.storedSessions() == 0 {
		m.log.Info().Msg("telegram: no session available, log in with an external tool first")
		m.setStatus(StatusUnauthorized)
		return nil
	}

	m.mu.RLock()
	factory := m.clientFactory
	m.mu.RUnlock()

	client, err := factory(ctx, m.cfg, m.db)
	if err != nil {
		m.log.Warn().Err(err).Msg("telegram: failed to initialize client, switching to unauthorized mode")
		m.setStatus(StatusUnauthorized)
		return nil
	}

	m.mu.Lock()
	m.client = client
	m.status = StatusReady
	m.mu.Unlock()

	m.log.Info().Msg("telegram: client is ready")
	return nil
}

// Ready returns an error unless a client is connected.
func (m *Manager) Ready() error {
	if m.GetStatus() != StatusReady || m.GetClient() == nil {
		return fmt.Errorf("%w (status %s)", ErrNotAuthorized, m.GetStatus())
	}
	return nil
}

func (m *Manager) storedSessions() int64 {
	var count int64
	if err := m.db.Table("sessions").Count(&count).Error; err != nil {
		m.log.Debug().Err(err).Msg("telegram: sessions table not readable")
		return 0
	}
	return count
}

// importSessionFile seeds the session store from a gotd session file when
// the store is still empty.
func (m *Manager) importSessionFile(ctx context.Context, path string) error {
	if m.storedSessions() > 0 {
		return nil
	}
	loader := session.Loader{Storage: &session.FileStorage{Path: path}}
	data, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load session file: %w", err)
	}
	if err := m.SaveSession(data); err != nil {
		return err
	}
	m.log.Info().Str("path", path).Msg("telegram: session imported")
	return nil
}

// SaveSession stores gotd session data in the session table.
func (m *Manager) SaveSession(data *session.Data) error {
	sess, err := ConvertToGotgprotoSession(data)
	if err != nil {
		return err
	}
	if err := m.db.AutoMigrate(sess); err != nil {
		return fmt.Errorf("migrate sessions: %w", err)
	}
	// Version is the primary key, Save upserts
	if err := m.db.Save(sess).Error; err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s
}

// Stop stops the Telegram client.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		m.client.Stop()
		m.client = nil
	}
	m.status = StatusInitializing
}
