package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinsync/cmd/client/cmd/types"
	"clinsync/internal/app/client"
	"clinsync/internal/app/client/syncer"

	"github.com/spf13/cobra"
)

var (
	force bool
	watch bool
)

// SyncCmd запускает цикл синхронизации с сервером
var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Синхронизировать данные с сервером",
	Long: `Выполняет один цикл синхронизации: получение изменений с сервера,
обнаружение и разрешение конфликтов, отправку локальных изменений.

С флагом --watch синхронизация выполняется периодически до прерывания.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		if watch {
			if !app.IsAuthenticated() {
				return client.ErrNotAuthenticated
			}
			fmt.Println("Фоновая синхронизация запущена, Ctrl+C для выхода")
			return app.Run(cmd.Context())
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()

		result, err := app.Sync(ctx, force)
		if result == nil && err != nil {
			return err
		}
		if types.JSONOutput {
			return errors.Join(types.PrintJSON(result), err)
		}

		printResult(result)
		return err
	},
}

func printResult(r *syncer.Result) {
	switch {
	case r.IsOffline:
		types.Warn("Сервер недоступен, изменения сохранены в очереди (%d)", r.Queued)
	case r.Success:
		types.Success("Синхронизация завершена за %s", r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond))
	default:
		types.Warn("Синхронизация завершилась с ошибкой: %s", r.Error)
	}

	types.Field("Получено", r.Pulled)
	types.Field("Применено", r.Applied)
	types.Field("Отправлено", r.Pushed)
	if r.Failed > 0 {
		types.Field("Ошибок отправки", r.Failed)
	}
	if r.PermanentFailures > 0 {
		types.Field("Отброшено после повторов", r.PermanentFailures)
	}
	if r.ConflictsDetected > 0 {
		types.Field("Конфликтов", r.ConflictsDetected)
		types.Field("Разрешено автоматически", r.ConflictsResolved)
		types.Field("Требуют решения", r.ConflictsRequireReview)
	}
	if r.Attempts > 1 {
		types.Field("Попыток", r.Attempts)
	}
	types.Field("Версия синхронизации", r.SyncVersion)

	if r.ConflictsRequireReview > 0 {
		fmt.Println("Просмотр конфликтов: clinsync sync conflicts")
	}
}

func init() {
	SyncCmd.Flags().BoolVarP(&force, "force", "f", false, "повторять цикл при неудаче")
	SyncCmd.Flags().BoolVarP(&watch, "watch", "w", false, "синхронизировать периодически")
}
