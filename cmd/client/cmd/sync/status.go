package sync

import (
	"fmt"

	"clinsync/cmd/client/cmd/types"

	"github.com/spf13/cobra"
)

var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Показать состояние синхронизации",
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		report, err := app.Status(cmd.Context())
		if err != nil {
			return err
		}
		if types.JSONOutput {
			return types.PrintJSON(report)
		}

		types.Title("Состояние синхронизации")
		types.Field("Пользователь", app.UserID())
		types.Field("Устройство", app.DeviceID())
		types.Field("Вход выполнен", report.Authorized)
		types.Field("Состояние", report.Syncer.State)
		if report.Metadata != nil {
			if report.Metadata.LastSyncAt.IsZero() {
				types.Field("Последняя синхронизация", "никогда")
			} else {
				types.Field("Последняя синхронизация", report.Metadata.LastSyncAt.Local().Format("2006-01-02 15:04:05"))
			}
			types.Field("Версия синхронизации", report.Metadata.SyncVersion)
		}
		types.Field("Изменений в очереди", len(report.Pending))
		types.Field("Неразрешенных конфликтов", report.Conflicts)

		for _, op := range report.Pending {
			if op.LastError == "" {
				continue
			}
			types.Warn("%s %s/%s: попытка %d из %d, %s",
				op.Change.Operation, op.Change.EntityType, op.Change.EntityID, op.Attempts, op.MaxRetries, op.LastError)
		}

		switch {
		case report.Remote != nil:
			fmt.Println()
			types.Title("Сервер")
			types.Field("Статус", report.Remote.Status)
			types.Field("Ожидают на сервере", report.Remote.PendingChanges)
			types.Field("Конфликтов на сервере", report.Remote.UnresolvedConflicts)
		case report.RemoteErr != "":
			types.Warn("Сервер недоступен: %s", report.RemoteErr)
		}
		return nil
	},
}
