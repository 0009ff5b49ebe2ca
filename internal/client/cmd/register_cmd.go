package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/whisperlink/whisperlink/internal/logger"
	"github.com/whisperlink/whisperlink/internal/store"
	"github.com/whisperlink/whisperlink/internal/user"
)

var registerCmd = &cobra.Command{
	Use:   "register username",
	Short: "create a local account",
	Long: `creates a local account: a fresh keypair is generated and the
private key is stored encrypted under your password`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		username := args[0]
		log := logger.NewLogger()

		gdb, err := openDB()
		if err != nil {
			log.Fatal(err)
			return
		}

		password, err := promptPassword("Password: ")
		if err != nil {
			log.Fatal(err)
			return
		}
		confirm, err := promptPassword("Confirm password: ")
		if err != nil {
			log.Fatal(err)
			return
		}
		if password != confirm {
			log.Fatal("passwords do not match")
			return
		}

		users := user.NewManager(store.NewUserStore(gdb))
		userID, err := users.Register(username, password)
		if err != nil {
			log.Fatal(err)
			return
		}

		session, err := users.Login(username, password)
		if err != nil {
			log.Fatal(err)
			return
		}

		log.Infof("registered %s", username)
		fmt.Printf("user id:    %s\n", userID)
		fmt.Printf("public key: %s\n", session.PublicKey)
	},
}

func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
