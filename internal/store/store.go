// Package store persists productions and their asset references in the
// durable sqlite store shared with the job queue.
package store

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Status is the lifecycle state of a production.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusScript    Status = "SCRIPT"
	StatusVoice     Status = "VOICE"
	StatusMusic     Status = "MUSIC"
	StatusAnalyzing Status = "ANALYZING"
	StatusAligning  Status = "ALIGNING"
	StatusMixing    Status = "MIXING"
	StatusMeasuring Status = "MEASURING"
	StatusAdjusting Status = "ADJUSTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// rank orders statuses for the monotonic-advance invariant.
var rank = map[Status]int{
	StatusPending:   0,
	StatusScript:    1,
	StatusVoice:     2,
	StatusMusic:     3,
	StatusAnalyzing: 4,
	StatusAligning:  5,
	StatusMixing:    6,
	StatusMeasuring: 7,
	StatusAdjusting: 8,
	StatusCompleted: 9,
}

// Settings are the user-provided knobs for one production.
type Settings struct {
	VoiceID           string  `json:"voiceId"`
	VoiceVolume       float64 `json:"voiceVolume"`
	MusicVolume       float64 `json:"musicVolume"`
	FadeIn            float64 `json:"fadeIn"`
	FadeOut           float64 `json:"fadeOut"`
	FadeCurve         string  `json:"fadeCurve"`
	DuckingAmount     float64 `json:"duckingAmount"`
	OutputFormat      string  `json:"outputFormat"`
	NormalizeLoudness bool    `json:"normalizeLoudness"`
	TargetLUFS        float64 `json:"targetLufs"`
	TargetTruePeak    float64 `json:"targetTruePeak"`
	TargetDuration    float64 `json:"targetDurationSeconds"`
}

// Production is the root record of one pipeline run.
type Production struct {
	ID       string `gorm:"primaryKey"`
	OwnerID  string `gorm:"index"`
	Status   Status `gorm:"index"`
	Progress int

	Prompt string
	Tone   string

	SettingsJSON string

	// Script text plus the ad-production blueprint metadata as JSON.
	ScriptText string
	ScriptMeta string

	VoicePath      string
	VoiceDuration  float64
	VoiceTimings   string // sentence/word timings as JSON
	MusicPath      string
	MusicDuration  float64
	MusicBPM       float64
	MusicKey       string
	OutputPath     string
	OutputDuration float64

	ErrorKind    string
	ErrorMessage string
	WarningsJSON string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Asset tracks one intermediate or final audio file so superseded variants
// can be garbage-collected on terminal state.
type Asset struct {
	ID           uint   `gorm:"primaryKey"`
	ProductionID string `gorm:"index"`
	Kind         string // "voice", "music", "mix"
	Variant      string // "raw", "trimmed", "looped", "ducked", "cut", "final"
	Path         string
	Duration     float64
	Superseded   bool
	CreatedAt    time.Time
}

// ErrNotFound is returned when a production does not exist.
var ErrNotFound = errors.New("production not found")

// ErrInvalidTransition is returned when a status update would move a
// production backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// Store wraps the gorm handle for production records.
type Store struct {
	db *gorm.DB
}

// Open opens (and migrates) the sqlite store at the given DSN.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&Production{}, &Asset{}); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle so the queue can share one database file.
func (s *Store) DB() *gorm.DB { return s.db }

// NewProductionID generates a ULID for a new production.
func NewProductionID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate ulid: %w", err)
	}
	return id.String(), nil
}

// Create inserts a new production in PENDING state.
func (s *Store) Create(ownerID, prompt, tone string, settings Settings) (*Production, error) {
	id, err := NewProductionID()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}
	p := &Production{
		ID:           id,
		OwnerID:      ownerID,
		Status:       StatusPending,
		Prompt:       prompt,
		Tone:         tone,
		SettingsJSON: string(raw),
	}
	if err := s.db.Create(p).Error; err != nil {
		return nil, fmt.Errorf("create production: %w", err)
	}
	return p, nil
}

// Get loads one production by ID.
func (s *Store) Get(id string) (*Production, error) {
	var p Production
	err := s.db.First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get production %s: %w", id, err)
	}
	return &p, nil
}

// List returns the most recent productions, newest first.
func (s *Store) List(limit int) ([]Production, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Production
	if err := s.db.Order("created_at desc").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list productions: %w", err)
	}
	return out, nil
}

// Settings decodes the stored settings JSON.
func (p *Production) Settings() (Settings, error) {
	var cfg Settings
	if p.SettingsJSON == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(p.SettingsJSON), &cfg); err != nil {
		return cfg, fmt.Errorf("decode settings: %w", err)
	}
	return cfg, nil
}

// Warnings decodes the accumulated soft-error notes.
func (p *Production) Warnings() []string {
	if p.WarningsJSON == "" {
		return nil
	}
	var out []string
	if json.Unmarshal([]byte(p.WarningsJSON), &out) != nil {
		return nil
	}
	return out
}

// Advance moves a production to a later status and a not-smaller progress
// value. Moving backwards or out of a terminal state is rejected.
func (s *Store) Advance(id string, status Status, pct int) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var p Production
		if err := tx.First(&p, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if p.Status.Terminal() {
			return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, p.Status)
		}
		if rank[status] < rank[p.Status] {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, status)
		}
		if pct < p.Progress {
			pct = p.Progress
		}
		return tx.Model(&p).Updates(map[string]any{"status": status, "progress": pct}).Error
	})
}

// Fail marks a production FAILED with its terminal error kind and message.
func (s *Store) Fail(id, kind, message string) error {
	res := s.db.Model(&Production{}).
		Where("id = ? AND status NOT IN ?", id, []Status{StatusCompleted, StatusCancelled}).
		Updates(map[string]any{"status": StatusFailed, "error_kind": kind, "error_message": message})
	if res.Error != nil {
		return fmt.Errorf("fail production %s: %w", id, res.Error)
	}
	return nil
}

// Cancel marks a production CANCELLED. Progress is frozen at its last value.
func (s *Store) Cancel(id string) error {
	res := s.db.Model(&Production{}).
		Where("id = ? AND status NOT IN ?", id, []Status{StatusCompleted, StatusFailed, StatusCancelled}).
		Update("status", StatusCancelled)
	if res.Error != nil {
		return fmt.Errorf("cancel production %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendWarning attaches a soft-error note to the production.
func (s *Store) AppendWarning(id, note string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var p Production
		if err := tx.First(&p, "id = ?", id).Error; err != nil {
			return err
		}
		warnings := append(p.Warnings(), note)
		raw, err := json.Marshal(warnings)
		if err != nil {
			return err
		}
		return tx.Model(&p).Update("warnings_json", string(raw)).Error
	})
}

// SetScript persists the generated script text and blueprint metadata.
func (s *Store) SetScript(id, text, meta string) error {
	return s.db.Model(&Production{}).Where("id = ?", id).
		Updates(map[string]any{"script_text": text, "script_meta": meta}).Error
}

// SetScriptMeta replaces only the blueprint metadata (e.g. after the musical
// blueprint is attached).
func (s *Store) SetScriptMeta(id, meta string) error {
	return s.db.Model(&Production{}).Where("id = ?", id).
		Update("script_meta", meta).Error
}

// SetVoiceAsset records the synthesized voice file and its timings.
func (s *Store) SetVoiceAsset(id, path string, duration float64, timingsJSON string) error {
	return s.db.Model(&Production{}).Where("id = ?", id).Updates(map[string]any{
		"voice_path":     path,
		"voice_duration": duration,
		"voice_timings":  timingsJSON,
	}).Error
}

// SetMusicAsset records the current music bed variant.
func (s *Store) SetMusicAsset(id, path string, duration, bpm float64, key string) error {
	return s.db.Model(&Production{}).Where("id = ?", id).Updates(map[string]any{
		"music_path":     path,
		"music_duration": duration,
		"music_bpm":      bpm,
		"music_key":      key,
	}).Error
}

// SetOutput records the final mix.
func (s *Store) SetOutput(id, path string, duration float64) error {
	return s.db.Model(&Production{}).Where("id = ?", id).Updates(map[string]any{
		"output_path":     path,
		"output_duration": duration,
	}).Error
}

// RegisterAsset tracks an intermediate file. Any previous asset of the same
// production and kind is marked superseded.
func (s *Store) RegisterAsset(productionID, kind, variant, path string, duration float64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Asset{}).
			Where("production_id = ? AND kind = ?", productionID, kind).
			Update("superseded", true).Error; err != nil {
			return err
		}
		return tx.Create(&Asset{
			ProductionID: productionID,
			Kind:         kind,
			Variant:      variant,
			Path:         path,
			Duration:     duration,
		}).Error
	})
}

// SupersededAssets lists files eligible for cleanup for one production.
func (s *Store) SupersededAssets(productionID string) ([]Asset, error) {
	var out []Asset
	err := s.db.Where("production_id = ? AND superseded = ?", productionID, true).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list superseded assets: %w", err)
	}
	return out, nil
}

// DeleteAssets removes asset rows after their files were unlinked.
func (s *Store) DeleteAssets(ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.Delete(&Asset{}, ids).Error
}
