package migrate

import (
	"errors"
	"fmt"

	"clinsync/cmd/client/cmd/types"
	"clinsync/internal/app/client/migrator"
	"clinsync/internal/domain/change"

	"github.com/spf13/cobra"
)

var (
	noPassword bool
	backupID   string
)

// MigrateCmd родительская команда миграции локальных данных
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Перенос локальных данных на сервер",
	Long: `Переносит все локальные сущности на сервер пакетами.

Перед переносом создается резервная копия, зашифрованная паролем.
При ошибке данные автоматически восстанавливаются из копии.`,
}

var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Запустить миграцию",
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		password, err := backupPassword()
		if err != nil {
			return err
		}

		fmt.Println("Создание резервной копии и перенос данных...")
		report, err := app.Migrate(cmd.Context(), password)
		if report == nil {
			return err
		}
		if types.JSONOutput {
			return errors.Join(types.PrintJSON(report), err)
		}

		printReport(report)
		return err
	},
}

var RollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Восстановить данные из резервной копии",
	Long: `Заменяет локальные данные содержимым резервной копии.
Без --backup используется копия последней миграции.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		password, err := backupPassword()
		if err != nil {
			return err
		}

		if err := app.RollbackMigration(cmd.Context(), backupID, password); err != nil {
			return fmt.Errorf("ошибка восстановления: %w", err)
		}
		types.Success("Данные восстановлены из резервной копии")
		return nil
	},
}

var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Показать статус миграции",
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		status, err := app.MigrationStatus(cmd.Context())
		if errors.Is(err, change.ErrNotFound) {
			fmt.Println("Миграция не запускалась")
			return nil
		}
		if err != nil {
			return err
		}
		if types.JSONOutput {
			return types.PrintJSON(status)
		}

		types.Title("Статус миграции")
		types.Field("Пользователь", status.UserID)
		types.Field("Состояние", status.State)
		types.Field("Перенесено", fmt.Sprintf("%d из %d", status.Migrated, status.Total))
		types.Field("Резервная копия", status.BackupID)
		types.Field("Начата", status.StartedAt.Local().Format("2006-01-02 15:04:05"))
		if status.CompletedAt != nil {
			types.Field("Завершена", status.CompletedAt.Local().Format("2006-01-02 15:04:05"))
		}
		if status.Error != "" {
			types.Warn("Ошибка: %s", status.Error)
		}
		return nil
	},
}

func backupPassword() (string, error) {
	if noPassword {
		return "", nil
	}
	return types.ReadPassword("Пароль резервной копии: ")
}

func printReport(r *migrator.Report) {
	switch {
	case r.RolledBack:
		types.Warn("Миграция отменена, данные восстановлены: %s", r.Error)
	case r.State == change.MigrationCompleted:
		types.Success("Миграция завершена за %s", r.Duration())
	default:
		types.Warn("Миграция завершилась с состоянием %s: %s", r.State, r.Error)
	}

	types.Field("Всего", r.Total)
	types.Field("Перенесено", r.Migrated)
	types.Field("Пропущено", r.Skipped)
	if r.Failed > 0 {
		types.Field("Ошибок", r.Failed)
	}
	types.Field("Резервная копия", r.BackupID)

	for _, it := range r.Items {
		if it.Outcome == migrator.OutcomeFailed {
			types.Warn("%s/%s: %s (попыток %d)", it.Collection, it.EntityID, it.Error, it.Attempts)
		}
	}
}

func init() {
	MigrateCmd.PersistentFlags().BoolVar(&noPassword, "no-password", false, "резервная копия без шифрования")
	RollbackCmd.Flags().StringVar(&backupID, "backup", "", "идентификатор резервной копии")
}
