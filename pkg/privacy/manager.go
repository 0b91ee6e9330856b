// Package privacy encrypts, masks and gates access to positions.
package privacy

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/markus-lassfolk/locator/pkg"
	"github.com/markus-lassfolk/locator/pkg/audit"
	"github.com/markus-lassfolk/locator/pkg/cache"
	"github.com/markus-lassfolk/locator/pkg/location"
	"github.com/markus-lassfolk/locator/pkg/logx"
)

// EncryptedPosition is a sealed position with its integrity hash
type EncryptedPosition struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	Algorithm  string `json:"algorithm"`
	Hash       string `json:"hash"`
	Timestamp  int64  `json:"timestamp"`
}

// Config controls the privacy manager
type Config struct {
	EnableEncryption      bool          `json:"enable_encryption" yaml:"enable_encryption"`
	EnableMasking         bool          `json:"enable_masking" yaml:"enable_masking"`
	MaskingAccuracyMeters float64       `json:"masking_accuracy" yaml:"masking_accuracy"`
	EnableFuzzing         bool          `json:"enable_fuzzing" yaml:"enable_fuzzing"`
	EnableAccessControl   bool          `json:"enable_access_control" yaml:"enable_access_control"`
	AccessLevel           AccessLevel   `json:"access_level" yaml:"access_level"`
	EnableAudit           bool          `json:"enable_audit" yaml:"enable_audit"`
	AuditCapacity         int           `json:"audit_capacity" yaml:"audit_capacity"`
	AuditDir              string        `json:"audit_dir,omitempty" yaml:"audit_dir"`
	Consent               bool          `json:"consent" yaml:"consent"`
	Rules                 []MaskingRule `json:"rules,omitempty" yaml:"rules"`
	// Secret derives the encryption key; empty uses a per-process random key
	Secret string `json:"-" yaml:"-"`
}

// DefaultConfig returns the default privacy settings
func DefaultConfig() Config {
	return Config{
		EnableEncryption:      true,
		EnableMasking:         true,
		MaskingAccuracyMeters: 100,
		EnableAccessControl:   true,
		AccessLevel:           AccessModerate,
		EnableAudit:           true,
		AuditCapacity:         1000,
	}
}

// Manager applies the privacy configuration to positions
type Manager struct {
	logger    *logx.Logger
	encryptor *Encryptor
	audit     *audit.AccessLogger

	mu  sync.RWMutex
	cfg Config

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewManager builds a manager; auditLog may be nil to create a private one
func NewManager(cfg Config, auditLog *audit.AccessLogger, logger *logx.Logger) (*Manager, error) {
	if logger == nil {
		logger = logx.NewNopLogger()
	}
	if cfg.MaskingAccuracyMeters <= 0 {
		cfg.MaskingAccuracyMeters = 100
	}
	if cfg.AccessLevel == "" {
		cfg.AccessLevel = AccessModerate
	}
	if _, err := ParseAccessLevel(string(cfg.AccessLevel)); err != nil {
		return nil, err
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules(cfg.MaskingAccuracyMeters)
	}

	var (
		enc *Encryptor
		err error
	)
	if cfg.Secret != "" {
		enc, err = NewEncryptor(cfg.Secret, nil)
	} else {
		logger.Warn("no encryption secret configured, using an ephemeral key")
		enc, err = NewRandomEncryptor()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}

	if auditLog == nil {
		auditLog = audit.NewAccessLogger(logger, cfg.AuditCapacity, cfg.AuditDir)
	}

	return &Manager{
		logger:    logger,
		encryptor: enc,
		audit:     auditLog,
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// WithRand replaces the jitter source
func (m *Manager) WithRand(rng *rand.Rand) *Manager {
	m.rngMu.Lock()
	m.rng = rng
	m.rngMu.Unlock()
	return m
}

// Config returns a copy of the current configuration
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := m.cfg
	cfg.Rules = make([]MaskingRule, len(m.cfg.Rules))
	copy(cfg.Rules, m.cfg.Rules)
	return cfg
}

// UpdateConfig swaps the configuration; the encryption key is kept
func (m *Manager) UpdateConfig(cfg Config) error {
	if cfg.AccessLevel == "" {
		cfg.AccessLevel = AccessModerate
	}
	if _, err := ParseAccessLevel(string(cfg.AccessLevel)); err != nil {
		return err
	}
	if cfg.MaskingAccuracyMeters <= 0 {
		cfg.MaskingAccuracyMeters = 100
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules(cfg.MaskingAccuracyMeters)
	}

	m.mu.Lock()
	old := m.cfg
	m.cfg = cfg
	m.mu.Unlock()

	if old.AccessLevel != cfg.AccessLevel {
		m.logger.LogStateChange("access_level", string(old.AccessLevel), string(cfg.AccessLevel), "config update")
	}
	return nil
}

// Encrypt seals the position
func (m *Manager) Encrypt(pos *pkg.Position) (*EncryptedPosition, error) {
	start := time.Now()
	if !m.Config().EnableEncryption {
		return nil, pkg.NewError(pkg.ErrServiceDisabled, "encryption is disabled", nil)
	}
	if err := pos.Validate(); err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(pos)
	if err != nil {
		return nil, pkg.NewError(pkg.ErrUnknown, "failed to serialize position", err)
	}
	iv, ciphertext, err := m.encryptor.Seal(plaintext)
	if err != nil {
		m.record(audit.AccessWrite, "system", pos, audit.ResultFailure, start, "encrypt")
		return nil, pkg.NewError(pkg.ErrUnknown, "encryption failed", err)
	}

	m.record(audit.AccessWrite, "system", pos, audit.ResultSuccess, start, "encrypt")
	return &EncryptedPosition{
		Ciphertext: ciphertext,
		IV:         iv,
		Algorithm:  Algorithm,
		Hash:       digest(plaintext),
		Timestamp:  time.Now().UnixMilli(),
	}, nil
}

// Decrypt opens a sealed position; any tampering is an integrity error
func (m *Manager) Decrypt(enc *EncryptedPosition) (*pkg.Position, error) {
	start := time.Now()
	if enc == nil {
		return nil, pkg.NewError(pkg.ErrIntegrity, "nothing to decrypt", nil)
	}
	if enc.Algorithm != "" && enc.Algorithm != Algorithm {
		return nil, pkg.NewError(pkg.ErrIntegrity, fmt.Sprintf("unsupported algorithm %q", enc.Algorithm), nil)
	}

	plaintext, err := m.encryptor.Open(enc.IV, enc.Ciphertext)
	if err != nil {
		m.record(audit.AccessRead, "system", nil, audit.ResultFailure, start, "decrypt")
		return nil, pkg.NewError(pkg.ErrIntegrity, "authentication failed", err)
	}
	if subtle.ConstantTimeCompare([]byte(digest(plaintext)), []byte(enc.Hash)) != 1 {
		m.record(audit.AccessRead, "system", nil, audit.ResultFailure, start, "decrypt")
		return nil, pkg.NewError(pkg.ErrIntegrity, "hash mismatch", nil)
	}

	var pos pkg.Position
	if err := json.Unmarshal(plaintext, &pos); err != nil {
		return nil, pkg.NewError(pkg.ErrIntegrity, "corrupt payload", err)
	}
	if err := pos.Validate(); err != nil {
		return nil, pkg.NewError(pkg.ErrIntegrity, "decrypted position is invalid", err)
	}

	m.record(audit.AccessRead, "system", &pos, audit.ResultSuccess, start, "decrypt")
	return &pos, nil
}

// Mask returns a reduced-precision copy of pos. With rule names, exactly
// those rules are applied regardless of their Enabled flag and conditions.
func (m *Manager) Mask(pos pkg.Position, ruleNames ...string) (pkg.Position, error) {
	return m.MaskFor(pos, "system", ruleNames...)
}

// MaskFor masks pos on behalf of accessor, who is named in the audit entry
func (m *Manager) MaskFor(pos pkg.Position, accessor string, ruleNames ...string) (pkg.Position, error) {
	start := time.Now()
	cfg := m.Config()
	out := pos.Clone()

	var selected []MaskingRule
	if len(ruleNames) > 0 {
		byName := make(map[string]MaskingRule, len(cfg.Rules))
		for _, r := range cfg.Rules {
			byName[r.Name] = r
		}
		for _, name := range ruleNames {
			r, ok := byName[name]
			if !ok {
				return out, pkg.NewError(pkg.ErrUnknown, fmt.Sprintf("unknown masking rule %q", name), nil)
			}
			selected = append(selected, r)
		}
	} else {
		if !cfg.EnableMasking {
			return out, nil
		}
		for _, r := range cfg.Rules {
			if r.applies(&pos, cfg.Consent) {
				selected = append(selected, r)
			}
		}
	}

	applyTiers(&out, resolveTiers(selected))

	if cfg.EnableFuzzing && cfg.MaskingAccuracyMeters > 0 {
		m.rngMu.Lock()
		north, east := location.RandomOffset(m.rng, cfg.MaskingAccuracyMeters)
		m.rngMu.Unlock()
		out.Latitude, out.Longitude = location.Offset(out.Latitude, out.Longitude, north, east)
		widenAccuracy(&out, cfg.MaskingAccuracyMeters)
	}

	m.record(audit.AccessRead, accessor, &pos, audit.ResultSuccess, start, "mask")
	return out, nil
}

// CheckAccess decides whether the accessor may read pos
func (m *Manager) CheckAccess(a Accessor, pos *pkg.Position) bool {
	start := time.Now()
	cfg := m.Config()
	if !cfg.EnableAccessControl {
		return true
	}

	allowed := cfg.AccessLevel.Allowed(a)
	result := audit.ResultSuccess
	if !allowed {
		result = audit.ResultFailure
		m.logger.Warn("access denied",
			"accessor", a.Name(),
			"accessor_type", string(a.Type),
			"level", string(cfg.AccessLevel),
		)
	}
	m.record(audit.AccessRead, a.Name(), pos, result, start, "access_check")
	return allowed
}

// LogAccess records a caller-supplied audit entry when auditing is on
func (m *Manager) LogAccess(e audit.Entry) {
	if !m.Config().EnableAudit {
		return
	}
	m.audit.Log(e)
}

// GetAuditLogs queries the audit trail, newest first
func (m *Manager) GetAuditLogs(f audit.Filter) []*audit.Entry {
	return m.audit.Query(f)
}

// AuditStats summarizes the audit trail
func (m *Manager) AuditStats() audit.Stats {
	return m.audit.Stats()
}

// ClearAuditLogs drops the retained audit trail
func (m *Manager) ClearAuditLogs() {
	m.audit.Clear()
}

func (m *Manager) record(t audit.AccessType, accessor string, pos *pkg.Position, result audit.Result, start time.Time, op string) {
	if !m.Config().EnableAudit {
		return
	}
	e := audit.Entry{
		Type:     t,
		Accessor: accessor,
		Result:   result,
		Duration: time.Since(start),
		Metadata: map[string]interface{}{"operation": op},
	}
	if pos != nil {
		e.PositionID = cache.Key(pos.Latitude, pos.Longitude)
	}
	m.audit.Log(e)
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
