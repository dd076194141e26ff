package entity

import (
	"fmt"
	"os"
	"text/tabwriter"

	"clinsync/cmd/client/cmd/types"
	"clinsync/internal/domain/change"

	"github.com/spf13/cobra"
)

var (
	listWhere string
	listLimit int
)

var ListCmd = &cobra.Command{
	Use:   "list <collection>",
	Short: "Показать сущности коллекции",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection := args[0]
		if err := checkCollection(collection); err != nil {
			return err
		}
		where, err := types.ParseData(listWhere)
		if err != nil {
			return err
		}

		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		entities, err := app.ListEntities(cmd.Context(), collection, change.Query{Where: where, Limit: listLimit})
		if err != nil {
			return fmt.Errorf("ошибка чтения: %w", err)
		}

		if types.JSONOutput {
			return types.PrintJSON(entities)
		}
		if len(entities) == 0 {
			fmt.Println("Коллекция пуста")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tВЕРСИЯ\tИЗМЕНЕНО\tПОЛЕЙ")
		for _, e := range entities {
			fmt.Fprintf(w, "%s\t%d\t%s\t%d\n", e.ID, e.Version, e.UpdatedAt.Format("2006-01-02 15:04:05"), len(e.Data))
		}
		return w.Flush()
	},
}

func init() {
	ListCmd.Flags().StringVar(&listWhere, "where", "", "фильтр по полям в формате JSON")
	ListCmd.Flags().IntVar(&listLimit, "limit", 0, "максимальное число сущностей")
}
