package entity

import (
	"fmt"
	"sort"
	"strings"

	"clinsync/internal/domain/change"

	"github.com/spf13/cobra"
)

// EntityCmd родительская команда для работы с локальными сущностями
var EntityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Работа с клиническими сущностями",
	Long: `Создание, просмотр и удаление сущностей в локальном хранилище.

Каждое изменение попадает в журнал и отправляется на сервер при синхронизации.
Коллекции: ` + strings.Join(collections(), ", "),
}

func collections() []string {
	out := change.Collections()
	sort.Strings(out)
	return out
}

func checkCollection(name string) error {
	if _, err := change.EntityTypeForCollection(name); err != nil {
		return fmt.Errorf("%w, доступны: %s", err, strings.Join(collections(), ", "))
	}
	return nil
}
