package cmd

import (
	"context"
	"fmt"
	"time"

	"clinsync/cmd/client/cmd/auth"
	"clinsync/cmd/client/cmd/entity"
	"clinsync/cmd/client/cmd/migrate"
	"clinsync/cmd/client/cmd/rollout"
	"clinsync/cmd/client/cmd/sync"
	"clinsync/cmd/client/cmd/types"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Проверить настройку устройства",
	Long: `Команда init показывает идентификатор устройства, путь к локальному
хранилищу и проверяет соединение с сервером.

Идентификатор устройства создается при первом запуске и не меняется.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		types.Title("Инициализация clinsync")
		types.Field("Устройство", app.DeviceID())
		types.Field("Пользователь", app.UserID())

		fmt.Println("Проверка соединения с сервером...")
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		if err := app.CheckConnection(ctx); err != nil {
			types.Warn("Не удалось подключиться к серверу: %v", err)
			fmt.Println("Изменения будут сохраняться локально и отправятся после восстановления связи.")
		} else {
			types.Success("Соединение с сервером установлено")
		}

		fmt.Println()
		fmt.Println("Что дальше:")
		fmt.Println("1. Зарегистрируйтесь на сервере: clinsync auth register")
		fmt.Println("2. Войдите в систему: clinsync auth login")
		fmt.Println("3. Создайте первую запись: clinsync entity put patient_records --data '{\"name\":\"...\"}'")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)

	rootCmd.AddCommand(auth.AuthCmd)
	auth.AuthCmd.AddCommand(auth.RegisterCmd)
	auth.AuthCmd.AddCommand(auth.LoginCmd)
	auth.AuthCmd.AddCommand(auth.LogoutCmd)

	rootCmd.AddCommand(entity.EntityCmd)
	entity.EntityCmd.AddCommand(entity.PutCmd)
	entity.EntityCmd.AddCommand(entity.ListCmd)
	entity.EntityCmd.AddCommand(entity.DeleteCmd)

	rootCmd.AddCommand(sync.SyncCmd)
	sync.SyncCmd.AddCommand(sync.StatusCmd)
	sync.SyncCmd.AddCommand(sync.ConflictsCmd)
	sync.SyncCmd.AddCommand(sync.ResolveCmd)

	rootCmd.AddCommand(migrate.MigrateCmd)
	migrate.MigrateCmd.AddCommand(migrate.RunCmd)
	migrate.MigrateCmd.AddCommand(migrate.RollbackCmd)
	migrate.MigrateCmd.AddCommand(migrate.StatusCmd)

	rootCmd.AddCommand(rollout.RolloutCmd)
	rollout.RolloutCmd.AddCommand(rollout.CheckCmd)
	rollout.RolloutCmd.AddCommand(rollout.EnqueueCmd)
	rollout.RolloutCmd.AddCommand(rollout.DrainCmd)
}
