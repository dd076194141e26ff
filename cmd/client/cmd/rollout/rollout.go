package rollout

import (
	"fmt"
	"os"
	"text/tabwriter"

	"clinsync/cmd/client/cmd/types"
	"clinsync/internal/app/client/rollout"
	"clinsync/internal/domain/change"

	"github.com/spf13/cobra"
)

var (
	priority   int
	noPassword bool
)

// RolloutCmd родительская команда постепенного включения миграции
var RolloutCmd = &cobra.Command{
	Use:   "rollout",
	Short: "Постепенное включение миграции",
	Long: `Решает, каким пользователям доступна миграция, и управляет очередью
миграций с ограничением числа одновременных запусков.`,
}

var CheckCmd = &cobra.Command{
	Use:   "check <user-id>",
	Short: "Проверить доступность миграции пользователю",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		d, err := app.RolloutCheck(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if types.JSONOutput {
			return types.PrintJSON(d)
		}
		printDecision(d)
		return nil
	},
}

var EnqueueCmd = &cobra.Command{
	Use:   "enqueue <user-id>",
	Short: "Поставить пользователя в очередь миграции",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		d, err := app.RolloutEnqueue(cmd.Context(), args[0], priority)
		if err != nil {
			return err
		}
		if types.JSONOutput {
			return types.PrintJSON(d)
		}
		if !d.Eligible && d.Reason != rollout.ReasonCooldown {
			types.Warn("Пользователь %s не допущен к миграции: %s", d.UserID, d.Reason)
			return nil
		}
		types.Success("Пользователь %s в очереди, приоритет %d", d.UserID, priority)
		printPending(app.RolloutPending())
		return nil
	},
}

var DrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Запустить миграции из очереди",
	Long: `Разбирает сохраненную очередь один раз и дожидается завершения
запущенных миграций.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		var password string
		if !noPassword {
			if password, err = types.ReadPassword("Пароль резервной копии: "); err != nil {
				return err
			}
		}

		started, err := app.RolloutDrain(cmd.Context(), password)
		if err != nil {
			return err
		}
		types.Success("Запущено миграций: %d", started)

		if pending := app.RolloutPending(); len(pending) > 0 {
			fmt.Println("Остались в очереди:")
			printPending(pending)
		}
		return nil
	},
}

func printDecision(d rollout.Decision) {
	types.Title("Решение rollout")
	types.Field("Пользователь", d.UserID)
	types.Field("Допущен", d.Eligible)
	types.Field("Причина", d.Reason)
	types.Field("Корзина", d.Bucket)
	if !d.RetryAt.IsZero() {
		types.Field("Повтор после", d.RetryAt.Local().Format("2006-01-02 15:04:05"))
	}
}

func printPending(pending []change.MigrationRequest) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ПОЛЬЗОВАТЕЛЬ\tПРИОРИТЕТ\tВ ОЧЕРЕДИ С")
	for _, r := range pending {
		fmt.Fprintf(w, "%s\t%d\t%s\n", r.UserID, r.Priority, r.EnqueuedAt.Local().Format("2006-01-02 15:04:05"))
	}
	_ = w.Flush()
}

func init() {
	EnqueueCmd.Flags().IntVarP(&priority, "priority", "p", 0, "приоритет, больший разбирается раньше")
	DrainCmd.Flags().BoolVar(&noPassword, "no-password", false, "резервная копия без шифрования")
}
