package auth

import (
	"fmt"

	"clinsync/cmd/client/cmd/types"

	"github.com/spf13/cobra"
)

const minPasswordLength = 8

var RegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Зарегистрировать нового пользователя",
	Long: `Регистрация нового пользователя на сервере clinsync.

После регистрации данные устройства можно синхронизировать с другими устройствами.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := types.App(cmd)
		if err != nil {
			return err
		}

		types.Title("Регистрация нового пользователя")

		login := types.ReadLine("Login: ")
		password, err := types.ReadPassword("Пароль: ")
		if err != nil {
			return err
		}
		confirm, err := types.ReadPassword("Повторите пароль: ")
		if err != nil {
			return err
		}

		if password != confirm {
			return fmt.Errorf("пароли не совпадают")
		}
		if len(password) < minPasswordLength {
			return fmt.Errorf("пароль должен содержать минимум %d символов", minPasswordLength)
		}

		fmt.Println("Регистрация...")
		userID, err := app.Register(cmd.Context(), login, password)
		if err != nil {
			return fmt.Errorf("ошибка регистрации: %w", err)
		}

		types.Success("Регистрация успешно завершена, id пользователя %s", userID)
		fmt.Println("Теперь вы можете войти в систему: clinsync auth login")
		return nil
	},
}
