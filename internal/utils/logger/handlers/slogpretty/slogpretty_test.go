package slogpretty

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"golang.org/x/exp/slog"
)

func TestPrettyHandler_Groups(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	tests := []struct {
		name     string
		log      func(l *slog.Logger)
		contains []string
		missing  []string
	}{
		{
			name:     "без группы",
			log:      func(l *slog.Logger) { l.Info("msg", "id", "1") },
			contains: []string{`"id": "1"`},
		},
		{
			name:     "атрибуты записи получают префикс группы",
			log:      func(l *slog.Logger) { l.WithGroup("req").Info("msg", "id", "1") },
			contains: []string{`"req.id": "1"`},
			missing:  []string{`"id": "1"`},
		},
		{
			name: "атрибуты до группы остаются без префикса",
			log: func(l *slog.Logger) {
				l.With("device", "dev-a").WithGroup("sync").With("cycle", 2).Info("msg")
			},
			contains: []string{`"device": "dev-a"`, `"sync.cycle": 2`},
		},
		{
			name:     "вложенные группы",
			log:      func(l *slog.Logger) { l.WithGroup("a").WithGroup("b").Info("msg", "k", "v") },
			contains: []string{`"a.b.k": "v"`},
		},
		{
			name:     "пустое имя группы игнорируется",
			log:      func(l *slog.Logger) { l.WithGroup("").Info("msg", "k", "v") },
			contains: []string{`"k": "v"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			var buf bytes.Buffer
			l := slog.New(PrettyHandlerOptions{SlogOpts: &slog.HandlerOptions{Level: slog.LevelDebug}}.NewPrettyHandler(&buf))

			// Act
			tt.log(l)

			// Assert
			out := buf.String()
			for _, s := range tt.contains {
				assert.Contains(t, out, s)
			}
			for _, s := range tt.missing {
				assert.NotContains(t, out, s)
			}
		})
	}
}
