package entity

import (
	"fmt"

	"clinsync/cmd/client/cmd/types"

	"github.com/spf13/cobra"
)

var DeleteCmd = &cobra.Command{
	Use:   "delete <collection> <id>",
	Short: "Удалить сущность",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, id := args[0], args[1]
		if err := checkCollection(collection); err != nil {
			return err
		}

		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		recs, err := app.DeleteEntity(cmd.Context(), collection, id)
		if err != nil {
			return fmt.Errorf("ошибка удаления: %w", err)
		}

		if types.JSONOutput {
			return types.PrintJSON(recs)
		}
		types.Success("Сущность %s/%s удалена", collection, id)
		return nil
	},
}
