package auth

import (
	"context"
	"fmt"
	"time"

	"clinsync/cmd/client/cmd/types"

	"github.com/spf13/cobra"
)

var skipSync bool

var LoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Войти в систему clinsync",
	Long: `Аутентификация на сервере clinsync.

После входа токен сохраняется локально для последующих операций.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		types.Title("Вход в систему")

		login := types.ReadLine("Login: ")
		password, err := types.ReadPassword("Пароль: ")
		if err != nil {
			return err
		}

		fmt.Println("Аутентификация...")
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		session, err := app.Login(ctx, login, password)
		if err != nil {
			return fmt.Errorf("ошибка аутентификации: %w", err)
		}
		types.Success("Вход выполнен, пользователь %s", session.UserID)

		if skipSync {
			return nil
		}
		if session.UserID != app.UserID() {
			fmt.Println("Синхронизация начнется при следующем запуске: clinsync sync")
			return nil
		}

		fmt.Println("Синхронизация данных...")
		result, err := app.Sync(ctx, false)
		switch {
		case err != nil:
			types.Warn("Ошибка синхронизации: %v", err)
			fmt.Println("Вы можете продолжить работу в офлайн-режиме")
		case result.IsOffline:
			types.Warn("Сервер недоступен, изменения в очереди: %d", result.Queued)
		default:
			types.Success("Данные синхронизированы")
		}
		return nil
	},
}

var LogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Выйти из системы",
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}
		if err := app.Logout(); err != nil {
			return err
		}
		types.Success("Сессия удалена")
		return nil
	},
}

func init() {
	LoginCmd.Flags().BoolVar(&skipSync, "no-sync", false, "не синхронизировать после входа")
}
