package middleware

import (
	"testing"

	"github.com/danielgtaylor/huma/v2"
	"github.com/stretchr/testify/assert"
)

func TestContainer_GetAllAndClear(t *testing.T) {
	noop := func(ctx huma.Context, next func(huma.Context)) { next(ctx) }

	c := NewContainer()
	c.Add(noop).Add(noop, noop)

	first := c.GetAllAndClear()
	assert.Len(t, first, 3)

	second := c.Add(noop).GetAllAndClear()
	assert.Len(t, second, 1)
	assert.Len(t, first, 3, "cleared container must not alias previous result")
	assert.Empty(t, c.Middlewares)
}
