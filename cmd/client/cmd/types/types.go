// Package types общие для команд CLI ключи контекста и вывод
package types

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"clinsync/internal/app/client"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type contextKey string

// ClientAppKey ключ приложения в контексте команды
const ClientAppKey contextKey = "app"

// JSONOutput вывод в формате JSON вместо текста
var JSONOutput bool

// App возвращает приложение из контекста команды
func App(cmd *cobra.Command) (*client.App, error) {
	app, ok := cmd.Context().Value(ClientAppKey).(*client.App)
	if !ok || app == nil {
		return nil, fmt.Errorf("приложение не инициализировано")
	}
	return app, nil
}

// WithApp кладет приложение в контекст
func WithApp(ctx context.Context, app *client.App) context.Context {
	return context.WithValue(ctx, ClientAppKey, app)
}

// Success печатает сообщение об успехе
func Success(format string, args ...any) {
	fmt.Println(color.GreenString("✓ "+format, args...))
}

// Warn печатает предупреждение
func Warn(format string, args ...any) {
	fmt.Println(color.YellowString("⚠️  "+format, args...))
}

// Title печатает заголовок
func Title(title string) {
	fmt.Println(color.New(color.Bold).Sprintf("=== %s ===", title))
}

// Field печатает строку "имя: значение"
func Field(name string, value any) {
	fmt.Printf("  %s %v\n", color.CyanString(name+":"), value)
}

// PrintJSON печатает значение с отступами
func PrintJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ReadPassword запрашивает пароль без эха
func ReadPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("ошибка чтения пароля: %w", err)
	}
	return string(password), nil
}

// ReadLine запрашивает строку
func ReadLine(prompt string) string {
	fmt.Print(prompt)
	var line string
	_, _ = fmt.Scanln(&line)
	return strings.TrimSpace(line)
}

// ParseData разбирает JSON объект из аргумента
func ParseData(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("данные должны быть JSON объектом: %w", err)
	}
	return data, nil
}
