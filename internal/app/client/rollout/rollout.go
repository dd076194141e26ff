package rollout

import (
	"context"
	"fmt"
	"hash/fnv"
	"slices"
	"time"
)

const buckets = 100

// Config правила поэтапного включения миграции
type Config struct {
	// Enabled общий флаг, выключенный rollout не допускает никого
	Enabled bool `mapstructure:"enabled"`
	// Percentage доля пользователей по хешу идентификатора, 0..100
	Percentage int `mapstructure:"percentage"`
	// Include допускаются независимо от процента
	Include []string `mapstructure:"include"`
	// Exclude не допускаются никогда
	Exclude []string `mapstructure:"exclude"`
	// Cooldown минимальный интервал между попытками одного пользователя
	Cooldown time.Duration `mapstructure:"cooldown"`
	// MaxConcurrent число одновременных миграций
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// DrainInterval период разбора очереди
	DrainInterval time.Duration `mapstructure:"drain_interval"`
	// SlotTTL срок, после которого слот зависшей миграции освобождается
	SlotTTL time.Duration `mapstructure:"slot_ttl"`
}

// DefaultConfig выключенный rollout, очередь разбирается раз в 5 секунд
func DefaultConfig() Config {
	return Config{
		Cooldown:      time.Hour,
		MaxConcurrent: 10,
		DrainInterval: 5 * time.Second,
		SlotTTL:       30 * time.Minute,
	}
}

// Validate проверяет правила
func (c Config) Validate() error {
	if c.Percentage < 0 || c.Percentage > buckets {
		return fmt.Errorf("процент rollout должен быть в диапазоне 0..100")
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("окно ожидания не может быть отрицательным")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("число одновременных миграций должно быть не меньше 1")
	}
	if c.DrainInterval <= 0 {
		return fmt.Errorf("период разбора очереди должен быть положительным")
	}
	if c.SlotTTL <= 0 {
		return fmt.Errorf("срок слота должен быть положительным")
	}
	return nil
}

// Reason причина решения
type Reason string

const (
	ReasonDisabled          Reason = "disabled"
	ReasonExcluded          Reason = "excluded"
	ReasonIncluded          Reason = "included"
	ReasonInPercentage      Reason = "in_percentage"
	ReasonOutsidePercentage Reason = "outside_percentage"
	ReasonCooldown          Reason = "cooldown"
)

// Decision допуск пользователя к миграции
type Decision struct {
	UserID   string    `json:"userId"`
	Eligible bool      `json:"eligible"`
	Reason   Reason    `json:"reason"`
	Bucket   int       `json:"bucket"`
	RetryAt  time.Time `json:"retryAt,omitempty"`
}

// Bucket детерминированная корзина пользователя: FNV-1a 32 бита по модулю 100
func Bucket(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % buckets)
}

// StateStore общее состояние rollout: попытки и занятые слоты
type StateStore interface {
	LastAttempt(ctx context.Context, userID string) (time.Time, error)
	RecordAttempt(ctx context.Context, userID string, at time.Time, ttl time.Duration) error
	AcquireSlot(ctx context.Context, userID string, limit int, now time.Time, ttl time.Duration) (bool, error)
	ReleaseSlot(ctx context.Context, userID string) error
	ActiveSlots(ctx context.Context, now time.Time) (int, error)
}

// evaluate применяет правила по порядку: флаг, исключения, включения,
// процент, затем окно ожидания
func (c Config) evaluate(userID string, lastAttempt, now time.Time) Decision {
	d := Decision{UserID: userID, Bucket: Bucket(userID)}

	switch {
	case !c.Enabled:
		d.Reason = ReasonDisabled
		return d
	case slices.Contains(c.Exclude, userID):
		d.Reason = ReasonExcluded
		return d
	case slices.Contains(c.Include, userID):
		d.Reason = ReasonIncluded
	case d.Bucket < c.Percentage:
		d.Reason = ReasonInPercentage
	default:
		d.Reason = ReasonOutsidePercentage
		return d
	}

	if !lastAttempt.IsZero() && c.Cooldown > 0 {
		if retryAt := lastAttempt.Add(c.Cooldown); now.Before(retryAt) {
			d.Reason = ReasonCooldown
			d.RetryAt = retryAt
			return d
		}
	}

	d.Eligible = true
	return d
}
