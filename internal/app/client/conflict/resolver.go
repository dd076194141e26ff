package conflict

import (
	"fmt"
	"time"

	"clinsync/internal/domain/change"
)

// Resolution итог разрешения конфликта
type Resolution struct {
	// Resolved ложно, если конфликт ждет решения человека
	Resolved bool
	Strategy change.Strategy
	// Value итоговые данные сущности, nil означает удаление
	Value map[string]any
	// RemoteWins итог совпадает с удаленным изменением целиком
	RemoteWins bool
}

// Resolver автоматически разрешает конфликты, где это безопасно
type Resolver struct {
	now func() time.Time
}

// NewResolver создает резолвер
func NewResolver() *Resolver {
	return &Resolver{now: time.Now}
}

// Resolve разрешает конфликт автоматически или оставляет его для ручного разбора.
// Разрешенный конфликт помечается resolvedBy=system.
func (r *Resolver) Resolve(c *change.ConflictRecord) Resolution {
	var res Resolution

	switch c.ConflictType {
	case change.ConflictFieldMerge:
		if len(c.Fields) != 1 || c.LocalChange == nil || c.ServerChange == nil ||
			c.LocalChange.Operation == change.OperationDelete || c.ServerChange.Operation == change.OperationDelete {
			return Resolution{Strategy: change.StrategyManual}
		}
		res = Resolution{Resolved: true, Strategy: change.StrategyMerge, Value: mergeField(c.LocalChange.Data, c.ServerChange.Data, c.Fields[0])}

	case change.ConflictTimestamp:
		if c.LocalChange == nil || c.ServerChange == nil {
			return Resolution{Strategy: change.StrategyManual}
		}
		res = Resolution{Resolved: true, Strategy: change.StrategyLastWriterWins}
		if c.LocalChange.Timestamp.After(c.ServerChange.Timestamp) {
			res.Value = change.CloneData(c.LocalChange.Data)
		} else {
			res.Value = change.CloneData(c.ServerChange.Data)
			res.RemoteWins = true
		}

	default:
		// clinical_priority и user_intent никогда не применяются автоматически
		return Resolution{Strategy: change.StrategyManual}
	}

	c.MarkResolved(res.Strategy, res.Value, change.ActorSystem, r.now())
	return res
}

// ResolveManual применяет решение пользователя.
// current текущие локальные данные сущности, используются при выборе local.
func (r *Resolver) ResolveManual(c *change.ConflictRecord, choice change.Choice, current, custom map[string]any) (Resolution, error) {
	if err := choice.Validate(); err != nil {
		return Resolution{}, err
	}
	if c.IsResolved {
		return Resolution{}, fmt.Errorf("conflict %s already resolved", c.ID)
	}

	res := Resolution{Resolved: true, Strategy: change.StrategyManual}
	switch choice {
	case change.ChoiceLocal:
		res.Value = change.CloneData(current)
	case change.ChoiceServer:
		if c.ServerChange != nil {
			res.Value = change.CloneData(c.ServerChange.Data)
		}
		res.RemoteWins = true
	case change.ChoiceCustom:
		if custom == nil {
			return Resolution{}, fmt.Errorf("%w: custom value is required", change.ErrInvalidChoice)
		}
		res.Value = change.CloneData(custom)
	}

	c.MarkResolved(res.Strategy, res.Value, change.ActorUser, r.now())
	return res, nil
}

// mergeField берет значение поля с сервера, остальные поля локальные
func mergeField(local, server map[string]any, path string) map[string]any {
	out := change.CloneData(local)
	if out == nil {
		out = make(map[string]any)
	}
	if v, ok := change.GetPath(server, path); ok {
		change.SetPath(out, path, v)
	} else {
		change.DeletePath(out, path)
	}
	return out
}
