package entity

import (
	"fmt"

	"clinsync/cmd/client/cmd/types"

	"github.com/spf13/cobra"
)

var putData string

var PutCmd = &cobra.Command{
	Use:   "put <collection> [id]",
	Short: "Создать или изменить сущность",
	Long: `Создает сущность в коллекции. Если указан id существующей сущности,
переданные поля применяются к ней как патч.

Пример:
  clinsync entity put patient_records p-1 --data '{"name":"Иван","age":42}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection := args[0]
		if err := checkCollection(collection); err != nil {
			return err
		}
		var id string
		if len(args) == 2 {
			id = args[1]
		}

		data, err := types.ParseData(putData)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return fmt.Errorf("укажите данные через --data")
		}

		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		recs, err := app.PutEntity(cmd.Context(), collection, id, data)
		if err != nil {
			return fmt.Errorf("ошибка сохранения: %w", err)
		}

		if types.JSONOutput {
			return types.PrintJSON(recs)
		}
		for _, rec := range recs {
			types.Success("%s %s/%s, версия %d", rec.Operation, collection, rec.EntityID, rec.Version)
		}
		return nil
	},
}

func init() {
	PutCmd.Flags().StringVarP(&putData, "data", "d", "", "данные сущности в формате JSON")
}
