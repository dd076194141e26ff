package entity

import (
	"encoding/json"
	"fmt"

	"clinsync/internal/domain/change"
	"clinsync/internal/domain/sync"
)

// parseQuery собирает фильтр из параметров строки запроса, where передается как JSON
func parseQuery(id, where string, limit int) (change.Query, error) {
	q := change.Query{ID: id, Limit: limit}
	if where == "" {
		return q, nil
	}
	if err := json.Unmarshal([]byte(where), &q.Where); err != nil {
		return q, fmt.Errorf("%w: where: %v", change.ErrInvalidChange, err)
	}
	return q, nil
}

type findInput struct {
	Collection string `path:"collection" doc:"Collection name"`
	ID         string `query:"id" doc:"Entity ID"`
	Where      string `query:"where" doc:"JSON object with top-level field equality filters"`
	Limit      int    `query:"limit" minimum:"0" doc:"Maximum number of entities"`
}

type findOutput struct {
	Status int
	Body   sync.EntitiesResponse
}

type createInput struct {
	Collection string `path:"collection"`
	DeviceID   string `header:"X-Device-ID" required:"true"`
	Body       struct {
		Entity change.Entity `json:"entity"`
	}
}

type updateInput struct {
	Collection string `path:"collection"`
	DeviceID   string `header:"X-Device-ID" required:"true"`
	Body       struct {
		Query change.Query   `json:"query,omitempty"`
		Patch map[string]any `json:"patch"`
	}
}

type deleteInput struct {
	Collection string `path:"collection"`
	DeviceID   string `header:"X-Device-ID" required:"true"`
	ID         string `query:"id"`
	Where      string `query:"where"`
}

type mutationOutput struct {
	Status int
	Body   sync.MutationResponse
}
