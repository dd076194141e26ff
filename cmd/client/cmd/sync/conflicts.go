package sync

import (
	"encoding/json"
	"fmt"
	"strings"

	"clinsync/cmd/client/cmd/types"
	"clinsync/internal/domain/change"

	"github.com/spf13/cobra"
)

var (
	showAll bool

	resolveUse   string
	resolveValue string
)

var ConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Показать конфликты",
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		conflicts, err := app.Conflicts(cmd.Context(), showAll)
		if err != nil {
			return err
		}
		if types.JSONOutput {
			return types.PrintJSON(conflicts)
		}
		if len(conflicts) == 0 {
			types.Success("Конфликтов нет")
			return nil
		}

		for _, c := range conflicts {
			printConflict(c)
		}
		return nil
	},
}

var ResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Разрешить конфликт вручную",
	Long: `Разрешает конфликт, выбрав локальную версию, серверную
или собственное значение.

Пример:
  clinsync sync resolve c-1 --use custom --value '{"dose":"10mg"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		choice := change.Choice(resolveUse)
		value, err := types.ParseData(resolveValue)
		if err != nil {
			return err
		}
		if choice == change.ChoiceCustom && value == nil {
			return fmt.Errorf("для --use custom укажите --value")
		}

		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		resolved, err := app.ResolveConflict(cmd.Context(), args[0], choice, value)
		if err != nil {
			return fmt.Errorf("ошибка разрешения конфликта: %w", err)
		}
		if types.JSONOutput {
			return types.PrintJSON(resolved)
		}
		types.Success("Конфликт %s разрешен (%s)", resolved.ID, resolved.ResolutionStrategy)
		fmt.Println("Решение будет отправлено при следующей синхронизации")
		return nil
	},
}

func printConflict(c *change.ConflictRecord) {
	state := "не разрешен"
	if c.IsResolved {
		state = fmt.Sprintf("разрешен (%s, %s)", c.ResolutionStrategy, c.ResolvedBy)
	}
	types.Title(c.ID)
	types.Field("Сущность", fmt.Sprintf("%s/%s", c.EntityType, c.EntityID))
	types.Field("Тип", c.ConflictType)
	types.Field("Состояние", state)
	if len(c.Fields) > 0 {
		types.Field("Поля", strings.Join(c.Fields, ", "))
	}
	if c.LocalChange != nil {
		types.Field("Локально", compact(c.LocalChange.Data))
	}
	if c.ServerChange != nil {
		types.Field("На сервере", compact(c.ServerChange.Data))
	}
	fmt.Println()
}

func compact(data map[string]any) string {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprint(data)
	}
	return string(raw)
}

func init() {
	ConflictsCmd.Flags().BoolVarP(&showAll, "all", "a", false, "включая разрешенные")

	ResolveCmd.Flags().StringVar(&resolveUse, "use", string(change.ChoiceLocal), "local, server или custom")
	ResolveCmd.Flags().StringVar(&resolveValue, "value", "", "значение для custom в формате JSON")
}
