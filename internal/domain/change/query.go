package change

// Query фильтр сущностей коллекции
type Query struct {
	ID    string         `json:"id,omitempty"`
	Where map[string]any `json:"where,omitempty"`
	Limit int            `json:"limit,omitempty"`
}

// ByID фильтр по идентификатору сущности
func ByID(id string) Query {
	return Query{ID: id}
}

// Match проверяет, удовлетворяет ли сущность фильтру.
// Where сравнивает верхнеуровневые поля данных на равенство.
func (q Query) Match(e Entity) bool {
	if q.ID != "" && q.ID != e.ID {
		return false
	}
	for k, want := range q.Where {
		got, ok := e.Data[k]
		if !ok || !sameValue(got, want) {
			return false
		}
	}
	return true
}

// Apply применяет фильтр и лимит к списку сущностей
func (q Query) Apply(entities []Entity) []Entity {
	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		if !q.Match(e) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}
